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

package dicomfile

import (
	"fmt"
	"strings"

	"github.com/yasushi-saito/go-dicom"
)

// Tags the pipeline reads or rewrites. Tags with a named constant in the
// dicom package are aliased; the rest (RT Structure Set group 3006 and a few
// general-series tags) are spelled out.
var (
	TagSOPClassUID       = dicom.Tag{Group: 0x0008, Element: 0x0016}
	TagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	TagStudyDate         = dicom.Tag{Group: 0x0008, Element: 0x0020}
	TagSeriesDate        = dicom.Tag{Group: 0x0008, Element: 0x0021}
	TagStudyDescription  = dicom.Tag{Group: 0x0008, Element: 0x1030}
	TagSeriesDescription = dicom.Tag{Group: 0x0008, Element: 0x103E}
	TagBodyPartExamined  = dicom.Tag{Group: 0x0018, Element: 0x0015}
	TagSliceThickness    = dicom.Tag{Group: 0x0018, Element: 0x0050}
	TagStudyID           = dicom.Tag{Group: 0x0020, Element: 0x0010}
	TagSeriesNumber      = dicom.Tag{Group: 0x0020, Element: 0x0011}
	TagInstanceNumber    = dicom.Tag{Group: 0x0020, Element: 0x0013}
	TagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
	TagFrameOfReference  = dicom.Tag{Group: 0x0020, Element: 0x0052}

	TagReferencedSOPClassUID    = dicom.Tag{Group: 0x0008, Element: 0x1150}
	TagReferencedSOPInstanceUID = dicom.Tag{Group: 0x0008, Element: 0x1155}

	TagStructureSetLabel           = dicom.Tag{Group: 0x3006, Element: 0x0002}
	TagStructureSetDate            = dicom.Tag{Group: 0x3006, Element: 0x0008}
	TagReferencedFrameOfRefSeq     = dicom.Tag{Group: 0x3006, Element: 0x0010}
	TagRTReferencedStudySeq        = dicom.Tag{Group: 0x3006, Element: 0x0012}
	TagRTReferencedSeriesSeq       = dicom.Tag{Group: 0x3006, Element: 0x0014}
	TagContourImageSeq             = dicom.Tag{Group: 0x3006, Element: 0x0016}
	TagStructureSetROISeq          = dicom.Tag{Group: 0x3006, Element: 0x0020}
	TagROINumber                   = dicom.Tag{Group: 0x3006, Element: 0x0022}
	TagReferencedFrameOfRefUID     = dicom.Tag{Group: 0x3006, Element: 0x0024}
	TagROIName                     = dicom.Tag{Group: 0x3006, Element: 0x0026}
	TagROIContourSeq               = dicom.Tag{Group: 0x3006, Element: 0x0039}
	TagRTROIObservationsSeq        = dicom.Tag{Group: 0x3006, Element: 0x0080}
)

// tagNames maps the tags above (plus the dicom-package constants the
// pipeline uses) to their canonical attribute names. The metadata tag map is
// keyed by both this name and the "(GGGG,EEEE)" form.
var tagNames = map[dicom.Tag]string{
	dicom.TagSpecificCharacterSet:   "SpecificCharacterSet",
	dicom.TagStudyInstanceUID:       "StudyInstanceUID",
	dicom.TagAccessionNumber:        "AccessionNumber",
	dicom.TagModality:               "Modality",
	dicom.TagReferringPhysicianName: "ReferringPhysicianName",
	dicom.TagPatientName:            "PatientName",
	dicom.TagPatientID:              "PatientID",
	dicom.TagPatientBirthDate:       "PatientBirthDate",
	dicom.TagPatientSex:             "PatientSex",

	TagSOPClassUID:       "SOPClassUID",
	TagSOPInstanceUID:    "SOPInstanceUID",
	TagStudyDate:         "StudyDate",
	TagSeriesDate:        "SeriesDate",
	TagStudyDescription:  "StudyDescription",
	TagSeriesDescription: "SeriesDescription",
	TagBodyPartExamined:  "BodyPartExamined",
	TagSliceThickness:    "SliceThickness",
	TagStudyID:           "StudyID",
	TagSeriesNumber:      "SeriesNumber",
	TagInstanceNumber:    "InstanceNumber",
	TagSeriesInstanceUID: "SeriesInstanceUID",
	TagFrameOfReference:  "FrameOfReferenceUID",

	TagStructureSetLabel: "StructureSetLabel",
	TagStructureSetDate:  "StructureSetDate",
}

// TagKey renders a tag in the "(GGGG,EEEE)" form used by the rule catalog.
func TagKey(t dicom.Tag) string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// NormalizeKey upcases a "(gggg,eeee)" key so lookups are case-insensitive.
// Attribute-name keys pass through unchanged.
func NormalizeKey(key string) string {
	if strings.HasPrefix(key, "(") {
		return strings.ToUpper(key)
	}
	return key
}

// CanonicalName returns the attribute name for a known tag, or "".
func CanonicalName(t dicom.Tag) string {
	return tagNames[t]
}
