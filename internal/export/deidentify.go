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

package export

import (
	"fmt"
	"math/big"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/yasushi-saito/go-dicom"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

// NewUID derives a fresh DICOM UID under the 2.25 UUID root.
func NewUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	return "2.25." + n.String()
}

// NewPatientID derives a short opaque replacement patient id.
func NewPatientID() string {
	return "DRAW-" + uuid.New().String()[:8]
}

// uidPlan is the fresh identity allocated for one series export. The same
// plan applies to every instance so cross-references stay consistent.
type uidPlan struct {
	PatientID    string
	StudyUID     string
	SeriesUID    string
	FrameOfRef   string
	Instances    map[string]string // original SOPInstanceUID -> fresh
}

func newUIDPlan(instances []*catalog.Instance, hasFrameOfRef bool) *uidPlan {
	p := &uidPlan{
		PatientID: NewPatientID(),
		StudyUID:  NewUID(),
		SeriesUID: NewUID(),
		Instances: map[string]string{},
	}
	if hasFrameOfRef {
		p.FrameOfRef = NewUID()
	}
	for _, in := range instances {
		p.Instances[in.SOPInstanceUID] = NewUID()
	}
	return p
}

// uidMapping flattens the plan into old->new for dataset-wide rewriting.
func (p *uidPlan) uidMapping(origStudyUID, origSeriesUID, origFrameOfRef string) map[string]string {
	m := map[string]string{
		origStudyUID:  p.StudyUID,
		origSeriesUID: p.SeriesUID,
	}
	if origFrameOfRef != "" && p.FrameOfRef != "" {
		m[origFrameOfRef] = p.FrameOfRef
	}
	for old, fresh := range p.Instances {
		m[old] = fresh
	}
	return m
}

// uidBearingTags are every place a mapped UID can appear in an image
// dataset, sequence items included.
var uidBearingTags = []dicom.Tag{
	dicomfile.TagSOPInstanceUID,
	dicom.TagStudyInstanceUID,
	dicomfile.TagSeriesInstanceUID,
	dicomfile.TagFrameOfReference,
	dicomfile.TagReferencedSOPInstanceUID,
	dicomfile.TagReferencedFrameOfRefUID,
}

// identityTags are cleared outright; the catalog keeps the originals for
// reidentification.
var identityTags = []dicom.Tag{
	dicom.TagPatientBirthDate,
	dicom.TagPatientSex,
	dicom.TagReferringPhysicianName,
	dicom.TagAccessionNumber,
	dicomfile.TagStudyDescription,
	dicomfile.TagStudyDate,
	dicomfile.TagSeriesDescription,
}

// deidentifyFile rewrites one instance under the plan and writes it to
// stagingDir named by its fresh SOPInstanceUID.
func deidentifyFile(path, stagingDir string, plan *uidPlan, mapping map[string]string) (string, error) {
	ds, err := dicomfile.ReadDataSet(path)
	if err != nil {
		return "", err
	}
	origSOP := dicomfile.FindString(ds, dicomfile.TagSOPInstanceUID)
	freshSOP, ok := plan.Instances[origSOP]
	if !ok {
		return "", fmt.Errorf("%s: SOPInstanceUID %q not in export plan", path, origSOP)
	}

	dicomfile.RewriteStrings(ds, uidBearingTags, mapping)
	dicomfile.SetString(ds, dicom.TagPatientID, plan.PatientID)
	dicomfile.SetString(ds, dicom.TagPatientName, plan.PatientID)
	for _, tag := range identityTags {
		dicomfile.SetString(ds, tag, "")
	}

	out := filepath.Join(stagingDir, freshSOP+".dcm")
	if err := dicomfile.WriteDataSetToFile(out, ds); err != nil {
		return "", err
	}
	return out, nil
}
