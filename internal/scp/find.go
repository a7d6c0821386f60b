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

package scp

import (
	"context"
	"fmt"
	"strings"

	"github.com/yasushi-saito/go-dicom"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

// Query levels per PS3.4 C.6.
const (
	levelPatient = "PATIENT"
	levelStudy   = "STUDY"
	levelSeries  = "SERIES"
	levelImage   = "IMAGE"
)

var tagInstancesInSeries = dicom.Tag{Group: 0x0020, Element: 0x1209}

// Finder is the catalog slice backing C-FIND, C-MOVE and C-GET selection.
type Finder interface {
	FindPatients(ctx context.Context, f catalog.QueryFilter) ([]*catalog.Patient, error)
	FindStudies(ctx context.Context, f catalog.QueryFilter) ([]*catalog.StudyResult, error)
	FindSeries(ctx context.Context, f catalog.QueryFilter) ([]*catalog.SeriesResult, error)
	FindInstances(ctx context.Context, f catalog.QueryFilter) ([]*catalog.InstanceResult, error)
}

// filterToQuery translates a C-FIND identifier into a catalog filter. Tags
// outside the supported key set are ignored; the level defaults to STUDY.
func filterToQuery(filters []*dicom.Element) (string, catalog.QueryFilter) {
	level := levelStudy
	var qf catalog.QueryFilter
	for _, f := range filters {
		v := dicomfile.ElementString(f)
		switch f.Tag {
		case dicom.TagQueryRetrieveLevel:
			if v != "" {
				level = strings.ToUpper(strings.TrimSpace(v))
			}
		case dicom.TagPatientID:
			qf.PatientID = v
		case dicom.TagPatientName:
			qf.PatientName = v
		case dicom.TagStudyInstanceUID:
			qf.StudyUID = v
		case dicom.TagAccessionNumber:
			qf.AccessionNumber = v
		case dicomfile.TagStudyDate:
			qf.StudyDate = v
		case dicomfile.TagStudyDescription:
			qf.StudyDescription = v
		case dicomfile.TagSeriesInstanceUID:
			qf.SeriesUID = v
		case dicom.TagModality:
			qf.Modality = v
		case dicomfile.TagSeriesDescription:
			qf.SeriesDescription = v
		case dicomfile.TagSOPInstanceUID:
			qf.SOPInstanceUID = v
		}
	}
	return level, qf
}

// strEl builds a single-valued string element. Known-but-empty values are
// sent as empty strings; query clients require tag presence.
func strEl(tag dicom.Tag, v string) *dicom.Element {
	return dicom.MustNewElement(tag, v)
}

// findResults runs the catalog query for one level and renders each match as
// a response identifier.
func findResults(ctx context.Context, f Finder, level string, qf catalog.QueryFilter) ([][]*dicom.Element, error) {
	switch level {
	case levelPatient:
		patients, err := f.FindPatients(ctx, qf)
		if err != nil {
			return nil, err
		}
		out := make([][]*dicom.Element, 0, len(patients))
		for _, p := range patients {
			out = append(out, []*dicom.Element{
				strEl(dicom.TagQueryRetrieveLevel, levelPatient),
				strEl(dicom.TagPatientID, p.PatientID),
				strEl(dicom.TagPatientName, p.Name),
				strEl(dicom.TagPatientBirthDate, p.BirthDate),
				strEl(dicom.TagPatientSex, p.Sex),
			})
		}
		return out, nil
	case levelStudy:
		studies, err := f.FindStudies(ctx, qf)
		if err != nil {
			return nil, err
		}
		out := make([][]*dicom.Element, 0, len(studies))
		for _, st := range studies {
			out = append(out, []*dicom.Element{
				strEl(dicom.TagQueryRetrieveLevel, levelStudy),
				strEl(dicom.TagPatientID, st.PatientID),
				strEl(dicom.TagPatientName, st.PatientName),
				strEl(dicom.TagStudyInstanceUID, st.StudyUID),
				strEl(dicomfile.TagStudyDate, st.StudyDate),
				strEl(dicomfile.TagStudyDescription, st.Description),
				strEl(dicom.TagAccessionNumber, st.AccessionNumber),
				strEl(dicomfile.TagStudyID, st.StudyID),
				strEl(dicom.TagModality, st.Modality),
			})
		}
		return out, nil
	case levelSeries:
		series, err := f.FindSeries(ctx, qf)
		if err != nil {
			return nil, err
		}
		out := make([][]*dicom.Element, 0, len(series))
		for _, se := range series {
			out = append(out, []*dicom.Element{
				strEl(dicom.TagQueryRetrieveLevel, levelSeries),
				strEl(dicom.TagPatientID, se.PatientID),
				strEl(dicom.TagStudyInstanceUID, se.StudyUID),
				strEl(dicomfile.TagSeriesInstanceUID, se.SeriesUID),
				strEl(dicom.TagModality, se.Modality),
				strEl(dicomfile.TagSeriesDescription, se.Description),
				strEl(dicomfile.TagSeriesDate, se.SeriesDate),
				dicom.MustNewElement(tagInstancesInSeries, fmt.Sprint(se.InstanceCount)),
			})
		}
		return out, nil
	case levelImage:
		instances, err := f.FindInstances(ctx, qf)
		if err != nil {
			return nil, err
		}
		out := make([][]*dicom.Element, 0, len(instances))
		for _, in := range instances {
			out = append(out, []*dicom.Element{
				strEl(dicom.TagQueryRetrieveLevel, levelImage),
				strEl(dicom.TagPatientID, in.PatientID),
				strEl(dicom.TagStudyInstanceUID, in.StudyUID),
				strEl(dicomfile.TagSeriesInstanceUID, in.SeriesUID),
				strEl(dicomfile.TagSOPInstanceUID, in.SOPInstanceUID),
			})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported query level %q", catalog.ErrValidation, level)
	}
}
