// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dicomfile wraps go-dicom behind the small surface the pipeline
// needs: header-only metadata reads, recursive dataset traversal with value
// rewriting, RT Structure Set navigation, and Part-10 output. Pixel data is
// never decoded outside the storage hot path.
package dicomfile

import (
	"fmt"

	"github.com/yasushi-saito/go-dicom"
)

// Metadata is the header-level view of one instance. Tags holds every
// string-valued element of the main dataset keyed both by canonical
// attribute name and by "(GGGG,EEEE)", so rule evaluation can address tags
// either way.
type Metadata struct {
	Path string

	TransferSyntaxUID string
	SOPClassUID       string
	SOPInstanceUID    string

	StudyUID            string
	SeriesUID           string
	FrameOfReferenceUID string
	Modality            string
	StudyDate           string
	SeriesDate          string
	StudyDescription    string
	SeriesDescription   string
	AccessionNumber     string
	StudyID             string
	ReferringPhysician  string
	InstanceNumber      string

	PatientID        string
	PatientName      string
	PatientBirthDate string
	PatientSex       string

	Tags map[string]string
}

// Value looks up a tag value by canonical name or "(gggg,eeee)" key.
// The second return reports presence.
func (m *Metadata) Value(key string) (string, bool) {
	v, ok := m.Tags[NormalizeKey(key)]
	return v, ok
}

// ReadMetadata parses the file headers without pixel data.
func ReadMetadata(path string) (*Metadata, error) {
	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{DropPixelData: true})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m := MetadataFromDataSet(ds)
	m.Path = path
	return m, nil
}

// ReadDataSet parses the whole file, pixel data included. Used where the
// dataset will be rewritten and written back out.
func ReadDataSet(path string) (*dicom.DataSet, error) {
	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ds, nil
}

// MetadataFromDataSet extracts the metadata view from a parsed dataset.
func MetadataFromDataSet(ds *dicom.DataSet) *Metadata {
	m := &Metadata{Tags: map[string]string{}}
	for _, e := range ds.Elements {
		if e.Tag.Group == dicom.TagMetadataGroup {
			if e.Tag == dicom.TagTransferSyntaxUID {
				m.TransferSyntaxUID = ElementString(e)
			}
			continue
		}
		v := ElementString(e)
		if v == "" {
			continue
		}
		m.Tags[TagKey(e.Tag)] = v
		if name := CanonicalName(e.Tag); name != "" {
			m.Tags[name] = v
		}
	}

	m.SOPClassUID = m.Tags["SOPClassUID"]
	m.SOPInstanceUID = m.Tags["SOPInstanceUID"]
	m.StudyUID = m.Tags["StudyInstanceUID"]
	m.SeriesUID = m.Tags["SeriesInstanceUID"]
	m.FrameOfReferenceUID = m.Tags["FrameOfReferenceUID"]
	m.Modality = m.Tags["Modality"]
	m.StudyDate = m.Tags["StudyDate"]
	m.SeriesDate = m.Tags["SeriesDate"]
	m.StudyDescription = m.Tags["StudyDescription"]
	m.SeriesDescription = m.Tags["SeriesDescription"]
	m.AccessionNumber = m.Tags["AccessionNumber"]
	m.StudyID = m.Tags["StudyID"]
	m.ReferringPhysician = m.Tags["ReferringPhysicianName"]
	m.InstanceNumber = m.Tags["InstanceNumber"]
	m.PatientID = m.Tags["PatientID"]
	m.PatientName = m.Tags["PatientName"]
	m.PatientBirthDate = m.Tags["PatientBirthDate"]
	m.PatientSex = m.Tags["PatientSex"]
	return m
}

// Validate reports whether the instance carries the identifiers the catalog
// hierarchy is keyed on.
func (m *Metadata) Validate() error {
	switch {
	case m.PatientID == "":
		return fmt.Errorf("%s: missing PatientID", m.Path)
	case m.StudyUID == "":
		return fmt.Errorf("%s: missing StudyInstanceUID", m.Path)
	case m.SeriesUID == "":
		return fmt.Errorf("%s: missing SeriesInstanceUID", m.Path)
	case m.SOPInstanceUID == "":
		return fmt.Errorf("%s: missing SOPInstanceUID", m.Path)
	}
	return nil
}

// ElementString renders a single-valued string element. Multi-valued string
// elements join with backslash per the DICOM VM convention; non-string
// values yield "".
func ElementString(e *dicom.Element) string {
	out := ""
	for _, v := range e.Value {
		s, ok := v.(string)
		if !ok {
			return ""
		}
		if out != "" {
			out += `\`
		}
		out += s
	}
	return out
}
