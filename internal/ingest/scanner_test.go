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

package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

type fakeCatalog struct {
	patients  map[string]int64
	studies   map[string]int64
	series    map[string]*catalog.Series
	instances map[string]bool

	observations []seriesObservation
	promoted     []int64
	nextID       int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		patients:  map[string]int64{},
		studies:   map[string]int64{},
		series:    map[string]*catalog.Series{},
		instances: map[string]bool{},
	}
}

func (f *fakeCatalog) id() int64 { f.nextID++; return f.nextID }

func (f *fakeCatalog) UpsertPatient(_ context.Context, p *catalog.Patient) (int64, error) {
	if id, ok := f.patients[p.PatientID]; ok {
		return id, nil
	}
	f.patients[p.PatientID] = f.id()
	return f.patients[p.PatientID], nil
}

func (f *fakeCatalog) UpsertStudy(_ context.Context, st *catalog.Study) (int64, error) {
	if id, ok := f.studies[st.StudyUID]; ok {
		return id, nil
	}
	f.studies[st.StudyUID] = f.id()
	return f.studies[st.StudyUID], nil
}

func (f *fakeCatalog) UpsertSeries(_ context.Context, se *catalog.Series) (int64, error) {
	if got, ok := f.series[se.SeriesUID]; ok {
		return got.ID, nil
	}
	cp := *se
	cp.ID = f.id()
	f.series[se.SeriesUID] = &cp
	return cp.ID, nil
}

func (f *fakeCatalog) UpsertInstance(_ context.Context, in *catalog.Instance) error {
	f.instances[in.SOPInstanceUID] = true
	return nil
}

func (f *fakeCatalog) SeriesByUID(_ context.Context, uid string) (*catalog.Series, error) {
	se, ok := f.series[uid]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return se, nil
}

func (f *fakeCatalog) RecordScanObservation(_ context.Context, seriesID int64, count int, maxMtime, at time.Time) error {
	f.observations = append(f.observations, seriesObservation{id: seriesID, count: count, maxMtime: maxMtime})
	for _, se := range f.series {
		if se.ID == seriesID {
			se.LastSeenCount = count
			se.LastSeenMaxMtime = sql.NullTime{Time: maxMtime, Valid: true}
			se.LastScanAt = sql.NullTime{Time: at, Valid: true}
		}
	}
	return nil
}

func (f *fakeCatalog) MarkSeriesFullyRead(_ context.Context, seriesID int64, count int, at time.Time) error {
	f.promoted = append(f.promoted, seriesID)
	for _, se := range f.series {
		if se.ID == seriesID {
			se.FullyRead = true
			se.InstanceCount = count
		}
	}
	return nil
}

// fakeMeta derives metadata from the file name: <patient>_<series>_<sop>.dcm
func fakeMeta(path string) (*dicomfile.Metadata, error) {
	base := filepath.Base(path)
	var pat, ser, sop string
	if _, err := fmt.Sscanf(base, "%3s_%3s_%3s.dcm", &pat, &ser, &sop); err != nil {
		return nil, fmt.Errorf("not a dicom file: %s", base)
	}
	return &dicomfile.Metadata{
		Path:           path,
		PatientID:      pat,
		StudyUID:       "1.2." + pat,
		SeriesUID:      "1.2.3." + ser,
		SOPInstanceUID: "1.2.3.4." + sop,
		StudyDate:      "20240601",
		Modality:       "CT",
	}, nil
}

func newTestScanner(c Catalog) *Scanner {
	s := NewScanner(nil, nil, c)
	s.readMeta = fakeMeta
	return s
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func testConfig(root string) *catalog.SystemConfiguration {
	return &catalog.SystemConfiguration{
		IngestRoot:    root,
		DataPullStart: time.Now().Add(-24 * time.Hour),
	}
}

func TestScanPopulatesCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm", "p01_s01_i02.dcm", "p01_s02_i03.dcm")

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	stats, err := s.Scan(context.Background(), testConfig(dir))
	require.NoError(t, err)

	require.Equal(t, 3, stats.Files)
	require.Equal(t, 2, stats.SeriesObserved)
	require.Zero(t, stats.SeriesPromoted) // first sighting is never stable
	require.Len(t, fc.patients, 1)
	require.Len(t, fc.series, 2)
	require.Len(t, fc.instances, 3)
	require.Len(t, fc.observations, 2)
}

func TestScanPromotesStableSeries(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm", "p01_s01_i02.dcm")

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	ctx := context.Background()
	cfg := testConfig(dir)

	base := time.Now()
	s.now = func() time.Time { return base }
	_, err := s.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Empty(t, fc.promoted)

	// An unchanged pass a full interval later promotes.
	s.now = func() time.Time { return base.Add(defaultSettleAfter) }
	stats, err := s.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SeriesPromoted)
	require.Len(t, fc.promoted, 1)
	require.True(t, fc.series["1.2.3.s01"].FullyRead)
	require.Equal(t, 2, fc.series["1.2.3.s01"].InstanceCount)

	// Later passes leave a fully-read series alone.
	stats, err = s.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Zero(t, stats.SeriesPromoted)
	require.Len(t, fc.promoted, 1)
}

func TestScanBackToBackPassesDoNotPromote(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm", "p01_s01_i02.dcm")

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	ctx := context.Background()
	cfg := testConfig(dir)

	// Two passes in quick succession, as an fsnotify burst produces.
	base := time.Now()
	s.now = func() time.Time { return base }
	_, err := s.Scan(ctx, cfg)
	require.NoError(t, err)
	s.now = func() time.Time { return base.Add(2 * time.Second) }
	stats, err := s.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Zero(t, stats.SeriesPromoted)
	require.Empty(t, fc.promoted)

	// The first observation's timestamp is kept, so a pass one interval
	// after it settles the series.
	s.now = func() time.Time { return base.Add(defaultSettleAfter) }
	stats, err = s.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SeriesPromoted)
}

func TestScanGrowingSeriesStaysPending(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm")

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	ctx := context.Background()
	cfg := testConfig(dir)

	_, err := s.Scan(ctx, cfg)
	require.NoError(t, err)

	writeFiles(t, dir, "p01_s01_i02.dcm") // arrives between passes
	stats, err := s.Scan(ctx, cfg)
	require.NoError(t, err)
	require.Zero(t, stats.SeriesPromoted)
	require.Empty(t, fc.promoted)
}

func TestScanMtimeFilter(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm", "p01_s01_i02.dcm")
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "p01_s01_i01.dcm"), old, old))

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	stats, err := s.Scan(context.Background(), testConfig(dir))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, 1, stats.Skipped)
}

func TestScanStudyDateFilter(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm")

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	cfg := testConfig(dir)
	cfg.StudyDateFiltering = true
	cfg.DataPullStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) // after the file's StudyDate

	stats, err := s.Scan(context.Background(), cfg)
	require.NoError(t, err)
	require.Zero(t, stats.Files)
	require.Equal(t, 1, stats.Skipped)
	require.Empty(t, fc.series)
}

func TestScanCountsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "p01_s01_i01.dcm", "README.txt")

	fc := newFakeCatalog()
	s := newTestScanner(fc)
	stats, err := s.Scan(context.Background(), testConfig(dir))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, 1, stats.Errors)
	require.Len(t, fc.instances, 1)
}
