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

package retrieve

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
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
	exports []*catalog.Export
	series  *catalog.Series

	serverStatuses  []string
	transferUpdates []catalog.TransferStatus
	transitions     []catalog.ProcessingStatus
	imports         []*catalog.Import
}

func (f *fakeCatalog) ExportsAwaitingResult(_ context.Context) ([]*catalog.Export, error) {
	return f.exports, nil
}
func (f *fakeCatalog) SetExportServerStatus(_ context.Context, _ int64, status string, _ time.Time) error {
	f.serverStatuses = append(f.serverStatuses, status)
	return nil
}
func (f *fakeCatalog) SetExportTransferStatus(_ context.Context, _ int64, status catalog.TransferStatus) error {
	f.transferUpdates = append(f.transferUpdates, status)
	return nil
}
func (f *fakeCatalog) SeriesByID(_ context.Context, _ int64) (*catalog.Series, error) {
	return f.series, nil
}
func (f *fakeCatalog) TransitionSeries(_ context.Context, _ int64, to catalog.ProcessingStatus) error {
	f.transitions = append(f.transitions, to)
	return nil
}
func (f *fakeCatalog) CreateImport(_ context.Context, im *catalog.Import) (int64, error) {
	f.imports = append(f.imports, im)
	return int64(len(f.imports)), nil
}
func (f *fakeCatalog) ImportForExport(_ context.Context, exportID int64) (*catalog.Import, error) {
	for _, im := range f.imports {
		if im.ExportID == exportID {
			return im, nil
		}
	}
	return nil, catalog.ErrNotFound
}

type fakeAPI struct {
	status      string
	payload     []byte
	checksum    string // "" means no X-File-Checksum header
	notifyErr   error
	statusCalls int
	downloads   int
	notified    int
}

func (a *fakeAPI) Status(_ context.Context, _ *catalog.SystemConfiguration, _ string) (string, error) {
	a.statusCalls++
	return a.status, nil
}

func (a *fakeAPI) Download(_ context.Context, _ *catalog.SystemConfiguration, _ string, destPath string) (string, error) {
	a.downloads++
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(destPath, a.payload, 0o644); err != nil {
		return "", err
	}
	return a.checksum, nil
}

func (a *fakeAPI) Notify(_ context.Context, _ *catalog.SystemConfiguration, _ string) error {
	a.notified++
	return a.notifyErr
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

func rtStruct(referencedSeriesUID string) *dicom.DataSet {
	elems := []*dicom.Element{
		strElem(dicomfile.TagSOPClassUID, dicomfile.RTStructSOPClassUID),
		strElem(dicomfile.TagSOPInstanceUID, "2.25.999"),
		strElem(dicom.TagModality, "RTSTRUCT"),
	}
	if referencedSeriesUID != "" {
		elems = append(elems, seq(dicomfile.TagReferencedFrameOfRefSeq,
			item(seq(dicomfile.TagRTReferencedStudySeq,
				item(seq(dicomfile.TagRTReferencedSeriesSeq,
					item(strElem(dicomfile.TagSeriesInstanceUID, referencedSeriesUID))))))))
	}
	return &dicom.DataSet{Elements: elems}
}

func sha(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func newFixture(t *testing.T, api *fakeAPI, ds *dicom.DataSet, parseErr error) (*Poller, *fakeCatalog) {
	fc := &fakeCatalog{
		exports: []*catalog.Export{{
			ID:           1,
			SeriesID:     3,
			ZipPath:      filepath.Join(t.TempDir(), "2.25.50.zip"),
			ServerTaskID: sql.NullString{String: "task-1", Valid: true},
		}},
		series: &catalog.Series{ID: 3, SeriesUID: "1.2.3", DeidentifiedSeriesUID: "2.25.50"},
	}
	p := New(nil, nil, fc, api)
	p.readDataSet = func(path string) (*dicom.DataSet, error) {
		if parseErr != nil {
			return nil, parseErr
		}
		return ds, nil
	}
	return p, fc
}

func TestPollRecordsStatusWithoutDownload(t *testing.T) {
	api := &fakeAPI{status: "IN PROGRESS"}
	p, fc := newFixture(t, api, nil, nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1}, stats)
	require.Equal(t, []string{"IN PROGRESS"}, fc.serverStatuses)
	require.Empty(t, fc.imports)
	require.Zero(t, api.notified)
}

func TestPollDownloadsAndConfirms(t *testing.T) {
	payload := []byte("rtstruct-bytes")
	api := &fakeAPI{status: StatusSegmentationCompleted, payload: payload, checksum: sha(payload)}
	p, fc := newFixture(t, api, rtStruct("2.25.50"), nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Received: 1}, stats)

	require.Len(t, fc.imports, 1)
	im := fc.imports[0]
	require.Equal(t, "2.25.999", im.ReceivedSOPUID)
	require.Equal(t, sha(payload), im.ReceivedSHA256)
	require.FileExists(t, im.DownloadedPath)
	require.Contains(t, im.DownloadedPath, filepath.Join("downloaded_rtstruct", "rtstruct_task-1_"))

	require.Equal(t, 1, api.notified)
	require.Equal(t, []string{StatusSegmentationCompleted, StatusRTStructReceived}, fc.serverStatuses)
	require.Equal(t, []catalog.TransferStatus{catalog.TransferRTStructReceived}, fc.transferUpdates)
	require.Equal(t, []catalog.ProcessingStatus{catalog.StatusRTStructReceived}, fc.transitions)
}

func TestPollChecksumMismatchRejects(t *testing.T) {
	api := &fakeAPI{status: StatusSegmentationCompleted, payload: []byte("rtstruct"), checksum: "not-the-sum"}
	p, fc := newFixture(t, api, rtStruct("2.25.50"), nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Rejected: 1}, stats)
	require.Equal(t, []catalog.TransferStatus{catalog.TransferChecksumMatchFailed}, fc.transferUpdates)
	require.Equal(t, []catalog.ProcessingStatus{catalog.StatusInvalidRTStructReceived}, fc.transitions)
	require.Empty(t, fc.imports)
	require.Zero(t, api.notified)
	// The bad file is deleted.
	left, err := filepath.Glob(filepath.Join(filepath.Dir(fc.exports[0].ZipPath), "downloaded_rtstruct", "*.dcm"))
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestPollUnparsableFileRejects(t *testing.T) {
	payload := []byte("junk")
	api := &fakeAPI{status: StatusSegmentationCompleted, payload: payload, checksum: sha(payload)}
	p, fc := newFixture(t, api, nil, errors.New("not dicom"))

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Rejected: 1}, stats)
	require.Equal(t, []catalog.TransferStatus{catalog.TransferInvalidRTStructFile}, fc.transferUpdates)
}

func TestPollWrongModalityRejects(t *testing.T) {
	payload := []byte("rtstruct")
	ds := rtStruct("2.25.50")
	ds.Elements[2] = strElem(dicom.TagModality, "CT")
	api := &fakeAPI{status: StatusSegmentationCompleted, payload: payload, checksum: sha(payload)}
	p, fc := newFixture(t, api, ds, nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Rejected: 1}, stats)
	require.Equal(t, []catalog.TransferStatus{catalog.TransferInvalidRTStructFile}, fc.transferUpdates)
}

func TestPollReferenceMismatchRejects(t *testing.T) {
	payload := []byte("rtstruct")
	api := &fakeAPI{status: StatusSegmentationCompleted, payload: payload, checksum: sha(payload)}
	p, fc := newFixture(t, api, rtStruct("2.25.9999"), nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Rejected: 1}, stats)
	require.Equal(t, []catalog.TransferStatus{catalog.TransferInvalidRTStructFile}, fc.transferUpdates)
}

func TestPollMissingReferenceProceeds(t *testing.T) {
	payload := []byte("rtstruct")
	api := &fakeAPI{status: StatusSegmentationCompleted, payload: payload, checksum: sha(payload)}
	p, fc := newFixture(t, api, rtStruct(""), nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Received: 1}, stats)
	require.Len(t, fc.imports, 1)
}

func TestPollUnconfirmedNotifyDoesNotAdvance(t *testing.T) {
	payload := []byte("rtstruct")
	api := &fakeAPI{
		status:    StatusSegmentationCompleted,
		payload:   payload,
		checksum:  sha(payload),
		notifyErr: errors.New("no confirmation"),
	}
	p, fc := newFixture(t, api, rtStruct("2.25.50"), nil)

	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Errors: 1}, stats)

	// Import exists for idempotent replay, but no status advanced.
	require.Len(t, fc.imports, 1)
	require.Empty(t, fc.transferUpdates)
	require.Empty(t, fc.transitions)
	require.Equal(t, []string{StatusSegmentationCompleted}, fc.serverStatuses)
}

func TestPollRetryAfterFailedNotifyReusesDownload(t *testing.T) {
	payload := []byte("rtstruct")
	api := &fakeAPI{
		status:    StatusSegmentationCompleted,
		payload:   payload,
		checksum:  sha(payload),
		notifyErr: errors.New("no confirmation"),
	}
	p, fc := newFixture(t, api, rtStruct("2.25.50"), nil)

	_, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, 1, api.downloads)
	require.Len(t, fc.imports, 1)

	// The next poll confirms against the first download; no second file.
	api.notifyErr = nil
	stats, err := p.Run(context.Background(), &catalog.SystemConfiguration{})
	require.NoError(t, err)
	require.Equal(t, Stats{Polled: 1, Received: 1}, stats)
	require.Equal(t, 1, api.downloads)
	require.Equal(t, 2, api.notified)
	require.Len(t, fc.imports, 1)

	files, err := filepath.Glob(filepath.Join(filepath.Dir(fc.exports[0].ZipPath), "downloaded_rtstruct", "*.dcm"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, []catalog.ProcessingStatus{catalog.StatusRTStructReceived}, fc.transitions)
}
