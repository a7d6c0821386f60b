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

package reident

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yasushi-saito/go-dicom"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

type fakeCatalog struct {
	imports   []*catalog.Import
	series    *catalog.Series
	study     *catalog.Study
	patient   *catalog.Patient
	instances []*catalog.Instance

	reidentified map[int64]string
	transitions  []catalog.ProcessingStatus
	vois         []string
}

func (f *fakeCatalog) ImportsAwaitingReidentify(_ context.Context) ([]*catalog.Import, error) {
	return f.imports, nil
}
func (f *fakeCatalog) SeriesByID(_ context.Context, _ int64) (*catalog.Series, error) {
	return f.series, nil
}
func (f *fakeCatalog) StudyForSeries(_ context.Context, _ *catalog.Series) (*catalog.Study, error) {
	return f.study, nil
}
func (f *fakeCatalog) PatientForStudy(_ context.Context, _ *catalog.Study) (*catalog.Patient, error) {
	return f.patient, nil
}
func (f *fakeCatalog) InstancesForSeries(_ context.Context, _ int64) ([]*catalog.Instance, error) {
	return f.instances, nil
}
func (f *fakeCatalog) MarkImportReidentified(_ context.Context, importID int64, path string, _ time.Time) error {
	f.reidentified[importID] = path
	return nil
}
func (f *fakeCatalog) TransitionSeries(_ context.Context, _ int64, to catalog.ProcessingStatus) error {
	f.transitions = append(f.transitions, to)
	return nil
}
func (f *fakeCatalog) InsertVOIs(_ context.Context, _ int64, names []string) error {
	f.vois = names
	return nil
}

func strElem(tag dicom.Tag, v string) *dicom.Element {
	return &dicom.Element{Tag: tag, Value: []interface{}{v}}
}

func seq(tag dicom.Tag, items ...*dicom.Element) *dicom.Element {
	vals := make([]interface{}, len(items))
	for i, it := range items {
		vals[i] = it
	}
	return &dicom.Element{Tag: tag, Value: vals}
}

func item(elems ...*dicom.Element) *dicom.Element {
	vals := make([]interface{}, len(elems))
	for i, e := range elems {
		vals[i] = e
	}
	return &dicom.Element{Tag: dicom.TagItem, Value: vals}
}

// receivedRTStruct mimics what the server sends back: deidentified UIDs in
// references, anonymous demographics.
func receivedRTStruct() *dicom.DataSet {
	return &dicom.DataSet{Elements: []*dicom.Element{
		strElem(dicomfile.TagSOPClassUID, dicomfile.RTStructSOPClassUID),
		strElem(dicomfile.TagSOPInstanceUID, "2.25.900"),
		strElem(dicomfile.TagSeriesInstanceUID, "2.25.901"), // the struct's own series
		strElem(dicom.TagPatientID, "DRAW-abc"),
		strElem(dicom.TagPatientName, "DRAW-abc"),
		seq(dicomfile.TagReferencedFrameOfRefSeq,
			item(
				strElem(dicomfile.TagReferencedFrameOfRefUID, "2.25.60"),
				seq(dicomfile.TagRTReferencedStudySeq,
					item(seq(dicomfile.TagRTReferencedSeriesSeq,
						item(
							strElem(dicomfile.TagSeriesInstanceUID, "2.25.50"),
							seq(dicomfile.TagContourImageSeq,
								item(strElem(dicomfile.TagReferencedSOPInstanceUID, "2.25.70")),
								item(strElem(dicomfile.TagReferencedSOPInstanceUID, "2.25.71")),
							))))))),
		seq(dicomfile.TagStructureSetROISeq,
			item(strElem(dicomfile.TagROINumber, "1"), strElem(dicomfile.TagROIName, "Bladder")),
			item(strElem(dicomfile.TagROINumber, "2"), strElem(dicomfile.TagROIName, "Rectum")),
		),
	}}
}

func newFixture(t *testing.T, ds *dicom.DataSet) (*Reidentifier, *fakeCatalog, string, map[string]*dicom.DataSet) {
	rootPath := t.TempDir()
	downloaded := filepath.Join(t.TempDir(), "rtstruct_task-1.dcm")
	require.NoError(t, os.WriteFile(downloaded, []byte("x"), 0o644))

	fc := &fakeCatalog{
		imports: []*catalog.Import{{ID: 5, SeriesID: 3, DownloadedPath: downloaded}},
		series: &catalog.Series{
			ID: 3, SeriesUID: "1.2.3", DeidentifiedSeriesUID: "2.25.50",
			FrameOfReferenceUID: "1.9.8", RootPath: rootPath, Description: "Pelvis 3mm",
		},
		study: &catalog.Study{
			ID: 2, StudyUID: "1.2.3.4", DeidentifiedStudyUID: "2.25.51",
			StudyDate: "20240115", Description: "RT planning",
		},
		patient: &catalog.Patient{ID: 1, PatientID: "PAT 001/A", Name: "DOE^JANE", BirthDate: "19700101", Sex: "F"},
		instances: []*catalog.Instance{
			{SOPInstanceUID: "1.2.3.4.1", DeidentifiedSOPUID: "2.25.70"},
			{SOPInstanceUID: "1.2.3.4.2", DeidentifiedSOPUID: "2.25.71"},
		},
		reidentified: map[int64]string{},
	}

	written := map[string]*dicom.DataSet{}
	r := New(nil, nil, fc)
	r.readDataSet = func(string) (*dicom.DataSet, error) { return ds, nil }
	r.writeDataSet = func(path string, ds *dicom.DataSet) error {
		written[path] = ds
		return os.WriteFile(path, []byte("reidentified"), 0o644)
	}
	return r, fc, downloaded, written
}

func TestReidentifyRestoresIdentityAndUIDs(t *testing.T) {
	ds := receivedRTStruct()
	r, fc, downloaded, written := newFixture(t, ds)

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Exported: 1}, stats)

	require.Len(t, written, 1)
	var outPath string
	for p := range written {
		outPath = p
	}
	require.Equal(t, fc.series.RootPath, filepath.Dir(outPath))
	require.Regexp(t, `^RS_PAT_001_A_DRAW_\d{8}_\d{6}\.dcm$`, filepath.Base(outPath))

	// Demographics restored, constants stamped.
	require.Equal(t, "PAT 001/A", dicomfile.FindString(ds, dicom.TagPatientID))
	require.Equal(t, "DOE^JANE", dicomfile.FindString(ds, dicom.TagPatientName))
	require.Equal(t, "19700101", dicomfile.FindString(ds, dicom.TagPatientBirthDate))
	require.Equal(t, "1.2.3.4", dicomfile.FindString(ds, dicom.TagStudyInstanceUID))
	require.Equal(t, "DRAW", dicomfile.FindString(ds, dicom.TagReferringPhysicianName))
	require.Equal(t, "202514789", dicomfile.FindString(ds, dicom.TagAccessionNumber))

	// Referenced UIDs mapped back to originals; frame of reference restored.
	require.Equal(t, []string{"1.2.3"}, dicomfile.ReferencedSeriesUIDs(ds))
	var sopRefs []string
	_ = dicomfile.Walk(ds, func(e *dicom.Element) error {
		if e.Tag == dicomfile.TagReferencedFrameOfRefUID {
			require.Equal(t, "1.9.8", dicomfile.ElementString(e))
		}
		if e.Tag == dicomfile.TagReferencedSOPInstanceUID {
			sopRefs = append(sopRefs, dicomfile.ElementString(e))
		}
		return nil
	})
	require.Equal(t, []string{"1.2.3.4.1", "1.2.3.4.2"}, sopRefs)

	// The structure set's own series UID is untouched.
	require.Equal(t, "2.25.901", dicomfile.FindString(ds, dicomfile.TagSeriesInstanceUID))

	// Bookkeeping.
	require.Equal(t, outPath, fc.reidentified[5])
	require.Equal(t, []catalog.ProcessingStatus{catalog.StatusRTStructExported}, fc.transitions)
	require.Equal(t, []string{"Bladder", "Rectum"}, fc.vois)
	require.NoFileExists(t, downloaded)
}

func TestReidentifyFailureKeepsDownload(t *testing.T) {
	r, fc, downloaded, _ := newFixture(t, receivedRTStruct())
	r.writeDataSet = func(string, *dicom.DataSet) error { return errors.New("disk full") }

	stats, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Stats{Failed: 1}, stats)
	require.Equal(t, []catalog.ProcessingStatus{catalog.StatusRTStructExportFailed}, fc.transitions)
	require.Empty(t, fc.reidentified)
	require.FileExists(t, downloaded)
}

func TestSanitizePatientID(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"PAT-001", "PAT-001"},
		{"PAT 001/A", "PAT_001_A"},
		{"__weird__id__", "weird_id"},
		{"///", "UNKNOWN"},
		{"", "UNKNOWN"},
		{"ok_id-9", "ok_id-9"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, SanitizePatientID(c.in), "input %q", c.in)
	}
}
