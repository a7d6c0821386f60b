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

	"github.com/yasushi-saito/go-dicom"
)

// RTStructSOPClassUID identifies RT Structure Set Storage instances.
const RTStructSOPClassUID = "1.2.840.10008.5.1.4.1.1.481.3"

// ROI is one region of interest declared by a structure set.
type ROI struct {
	Number int
	Name   string
}

// IsRTStruct reports whether the dataset is an RT Structure Set.
func IsRTStruct(ds *dicom.DataSet) bool {
	return FindString(ds, TagSOPClassUID) == RTStructSOPClassUID
}

// ReferencedSeriesUIDs walks ReferencedFrameOfReferenceSequence >
// RTReferencedStudySequence > RTReferencedSeriesSequence and collects every
// SeriesInstanceUID the structure set refers to.
func ReferencedSeriesUIDs(ds *dicom.DataSet) []string {
	var uids []string
	seen := map[string]bool{}
	forSeq, err := ds.FindElementByTag(TagReferencedFrameOfRefSeq)
	if err != nil {
		return nil
	}
	for _, forItem := range SequenceItems(forSeq) {
		studySeq := ItemElement(forItem, TagRTReferencedStudySeq)
		if studySeq == nil {
			continue
		}
		for _, studyItem := range SequenceItems(studySeq) {
			seriesSeq := ItemElement(studyItem, TagRTReferencedSeriesSeq)
			if seriesSeq == nil {
				continue
			}
			for _, seriesItem := range SequenceItems(seriesSeq) {
				if e := ItemElement(seriesItem, TagSeriesInstanceUID); e != nil {
					if uid := ElementString(e); uid != "" && !seen[uid] {
						seen[uid] = true
						uids = append(uids, uid)
					}
				}
			}
		}
	}
	return uids
}

// ROINames lists the regions declared in StructureSetROISequence in order.
func ROINames(ds *dicom.DataSet) []ROI {
	seq, err := ds.FindElementByTag(TagStructureSetROISeq)
	if err != nil {
		return nil
	}
	var rois []ROI
	for i, item := range SequenceItems(seq) {
		roi := ROI{Number: i + 1}
		if e := ItemElement(item, TagROINumber); e != nil {
			if n, err := e.GetUInt32(); err == nil {
				roi.Number = int(n)
			} else if s := ElementString(e); s != "" {
				fmt.Sscanf(s, "%d", &roi.Number)
			}
		}
		if e := ItemElement(item, TagROIName); e != nil {
			roi.Name = ElementString(e)
		}
		if roi.Name != "" {
			rois = append(rois, roi)
		}
	}
	return rois
}

// ValidateRTStruct checks the structural minimum for an incoming structure
// set: correct SOP class, at least one referenced series, at least one named
// ROI.
func ValidateRTStruct(ds *dicom.DataSet) error {
	if !IsRTStruct(ds) {
		return fmt.Errorf("SOP class %q is not RT Structure Set Storage", FindString(ds, TagSOPClassUID))
	}
	if len(ReferencedSeriesUIDs(ds)) == 0 {
		return fmt.Errorf("structure set references no series")
	}
	if len(ROINames(ds)) == 0 {
		return fmt.Errorf("structure set declares no named ROIs")
	}
	return nil
}
