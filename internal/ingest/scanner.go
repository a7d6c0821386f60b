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

// Package ingest walks the configured filesystem tree, reads DICOM headers
// and populates the catalog hierarchy. A series becomes "fully read" once
// two passes at least one scan interval apart observe the same instance
// count and maximum file mtime; only fully-read series enter the processing
// pipeline.
package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

var (
	filesScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_ingest_files_scanned_total",
		Help: "DICOM files successfully read during ingest scans.",
	})
	filesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_ingest_files_skipped_total",
		Help: "Files skipped by the date or mtime filter.",
	})
	fileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_ingest_file_errors_total",
		Help: "Invalid or unreadable files encountered during ingest scans.",
	})
	seriesFullyRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_ingest_series_fully_read_total",
		Help: "Series promoted to fully read.",
	})
	scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "draw_ingest_scan_duration_seconds",
		Help:    "Duration of full ingest passes.",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 8),
	})
)

// Catalog is the slice of the catalog store the scanner writes through.
type Catalog interface {
	UpsertPatient(ctx context.Context, p *catalog.Patient) (int64, error)
	UpsertStudy(ctx context.Context, st *catalog.Study) (int64, error)
	UpsertSeries(ctx context.Context, se *catalog.Series) (int64, error)
	UpsertInstance(ctx context.Context, in *catalog.Instance) error
	SeriesByUID(ctx context.Context, uid string) (*catalog.Series, error)
	RecordScanObservation(ctx context.Context, seriesID int64, count int, maxMtime, at time.Time) error
	MarkSeriesFullyRead(ctx context.Context, seriesID int64, count int, at time.Time) error
}

// Stats summarizes one pass.
type Stats struct {
	Files          int
	Skipped        int
	Errors         int
	SeriesObserved int
	SeriesPromoted int
}

// defaultSettleAfter is the minimum spacing between the two observations
// that declare a series stable when no scan interval has been configured.
const defaultSettleAfter = time.Minute

type Scanner struct {
	logger  log.Logger
	catalog Catalog

	// mu serializes passes: the watch loop and the chain both trigger scans.
	mu sync.Mutex

	// settleAfter keeps event-driven passes fired in quick succession from
	// promoting a series still mid-transfer. Run aligns it with the scan
	// interval.
	settleAfter time.Duration

	// readMeta is swapped in tests.
	readMeta func(path string) (*dicomfile.Metadata, error)
	now      func() time.Time
}

func NewScanner(logger log.Logger, reg prometheus.Registerer, c Catalog) *Scanner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(filesScanned, filesSkipped, fileErrors, seriesFullyRead, scanDuration)
	}
	return &Scanner{
		logger:      logger,
		catalog:     c,
		settleAfter: defaultSettleAfter,
		readMeta:    dicomfile.ReadMetadata,
		now:         time.Now,
	}
}

type seriesObservation struct {
	id       int64
	uid      string
	count    int
	maxMtime time.Time
}

// Scan runs one full pass over cfg.IngestRoot. Files failing the configured
// date filter are skipped silently; unreadable files are counted and skipped
// without aborting the pass.
func (s *Scanner) Scan(ctx context.Context, cfg *catalog.SystemConfiguration) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.now()
	defer func() { scanDuration.Observe(time.Since(start).Seconds()) }()

	var stats Stats
	observed := map[string]*seriesObservation{}

	err := filepath.WalkDir(cfg.IngestRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			stats.Errors++
			fileErrors.Inc()
			level.Warn(s.logger).Log("msg", "walk error", "path", path, "err", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, err := d.Info()
		if err != nil {
			stats.Errors++
			fileErrors.Inc()
			return nil
		}
		if !cfg.StudyDateFiltering && info.ModTime().Before(cfg.DataPullStart) {
			stats.Skipped++
			filesSkipped.Inc()
			return nil
		}
		if err := s.ingestFile(ctx, cfg, path, info.ModTime(), observed, &stats); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	stats.SeriesObserved = len(observed)
	for _, obs := range observed {
		promoted, err := s.settleSeries(ctx, obs)
		if err != nil {
			return stats, err
		}
		if promoted {
			stats.SeriesPromoted++
			seriesFullyRead.Inc()
		}
	}
	level.Info(s.logger).Log("msg", "ingest pass complete",
		"files", stats.Files, "skipped", stats.Skipped, "errors", stats.Errors,
		"series", stats.SeriesObserved, "promoted", stats.SeriesPromoted)
	return stats, nil
}

func (s *Scanner) ingestFile(ctx context.Context, cfg *catalog.SystemConfiguration, path string, mtime time.Time, observed map[string]*seriesObservation, stats *Stats) error {
	m, err := s.readMeta(path)
	if err != nil {
		stats.Errors++
		fileErrors.Inc()
		level.Debug(s.logger).Log("msg", "not a readable DICOM file", "path", path, "err", err)
		return nil
	}
	if err := m.Validate(); err != nil {
		stats.Errors++
		fileErrors.Inc()
		level.Warn(s.logger).Log("msg", "incomplete DICOM header", "path", path, "err", err)
		return nil
	}
	if cfg.StudyDateFiltering && m.StudyDate != "" {
		if sd, err := time.Parse("20060102", m.StudyDate); err == nil && sd.Before(truncateToDay(cfg.DataPullStart)) {
			stats.Skipped++
			filesSkipped.Inc()
			return nil
		}
	}

	patientID, err := s.catalog.UpsertPatient(ctx, &catalog.Patient{
		PatientID: m.PatientID,
		Name:      m.PatientName,
		Sex:       m.PatientSex,
		BirthDate: m.PatientBirthDate,
	})
	if err != nil {
		return err
	}
	studyID, err := s.catalog.UpsertStudy(ctx, &catalog.Study{
		PatientID:       patientID,
		StudyUID:        m.StudyUID,
		StudyDate:       m.StudyDate,
		Description:     m.StudyDescription,
		Modality:        m.Modality,
		AccessionNumber: m.AccessionNumber,
		StudyID:         m.StudyID,
	})
	if err != nil {
		return err
	}
	seriesID, err := s.catalog.UpsertSeries(ctx, &catalog.Series{
		StudyID:             studyID,
		SeriesUID:           m.SeriesUID,
		FrameOfReferenceUID: m.FrameOfReferenceUID,
		RootPath:            filepath.Dir(path),
		Description:         m.SeriesDescription,
		SeriesDate:          m.SeriesDate,
		Modality:            m.Modality,
	})
	if err != nil {
		return err
	}
	if err := s.catalog.UpsertInstance(ctx, &catalog.Instance{
		SeriesID:       seriesID,
		SOPInstanceUID: m.SOPInstanceUID,
		FilePath:       path,
	}); err != nil {
		return err
	}

	stats.Files++
	filesScanned.Inc()
	obs := observed[m.SeriesUID]
	if obs == nil {
		obs = &seriesObservation{id: seriesID, uid: m.SeriesUID}
		observed[m.SeriesUID] = obs
	}
	obs.count++
	if mtime.After(obs.maxMtime) {
		obs.maxMtime = mtime
	}
	return nil
}

// settleSeries compares this pass's observation with the previous one and
// promotes the series once the observations are unchanged and far enough
// apart.
func (s *Scanner) settleSeries(ctx context.Context, obs *seriesObservation) (bool, error) {
	se, err := s.catalog.SeriesByUID(ctx, obs.uid)
	if err != nil {
		return false, err
	}
	if se.FullyRead {
		return false, nil
	}
	now := s.now()
	unchanged := se.LastScanAt.Valid &&
		se.LastSeenCount == obs.count &&
		se.LastSeenMaxMtime.Valid &&
		se.LastSeenMaxMtime.Time.Unix() == obs.maxMtime.Unix()
	if !unchanged {
		return false, s.catalog.RecordScanObservation(ctx, obs.id, obs.count, obs.maxMtime, now)
	}
	// Keep the earlier observation's timestamp: a burst of event-driven
	// passes must not count as a settled interval.
	if now.Sub(se.LastScanAt.Time) < s.settleAfter {
		return false, nil
	}
	if err := s.catalog.MarkSeriesFullyRead(ctx, obs.id, obs.count, now); err != nil {
		return false, err
	}
	return true, nil
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
