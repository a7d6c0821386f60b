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

// Package export turns rule-matched series into deidentified zip archives
// and ships them to the autosegmentation service. Every side effect lands in
// the catalog before the next step runs, so a crashed run resumes where it
// stopped.
package export

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draw-rt/draw-client/internal/catalog"
)

var (
	seriesExported = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_export_series_total",
		Help: "Series successfully uploaded to the autosegmentation service.",
	})
	seriesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_export_failures_total",
		Help: "Export failures by stage.",
	}, []string{"stage"})
	uploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_export_uploaded_bytes_total",
		Help: "Archive bytes shipped to the autosegmentation service.",
	})
)

// Catalog is the slice of the store the exporter uses.
type Catalog interface {
	SeriesInStatus(ctx context.Context, status catalog.ProcessingStatus) ([]*catalog.Series, error)
	StudyForSeries(ctx context.Context, se *catalog.Series) (*catalog.Study, error)
	PatientForStudy(ctx context.Context, st *catalog.Study) (*catalog.Patient, error)
	InstancesForSeries(ctx context.Context, seriesID int64) ([]*catalog.Instance, error)
	SetSeriesDeidentifiedUIDs(ctx context.Context, seriesID int64, seriesUID, forUID string) error
	SetStudyDeidentifiedUID(ctx context.Context, studyID int64, uid string) error
	SetPatientDeidentifiedID(ctx context.Context, patientID int64, deid string) error
	SetInstanceDeidentifiedUID(ctx context.Context, instanceID int64, uid string) error
	TransitionSeries(ctx context.Context, seriesID int64, to catalog.ProcessingStatus) error
	CreateExport(ctx context.Context, e *catalog.Export) (int64, error)
	PendingExportForSeries(ctx context.Context, seriesID int64) (*catalog.Export, error)
	MarkExportTransferred(ctx context.Context, exportID int64, taskID string, at time.Time) error
	SetExportTransferStatus(ctx context.Context, exportID int64, status catalog.TransferStatus) error
}

// Uploader ships one archive and returns the server task id.
type Uploader interface {
	Upload(ctx context.Context, cfg *catalog.SystemConfiguration, zipPath, sha256Hex string) (string, error)
}

type Exporter struct {
	logger      log.Logger
	catalog     Catalog
	uploader    Uploader
	stagingRoot string

	deidentify func(path, stagingDir string, plan *uidPlan, mapping map[string]string) (string, error)
	now        func() time.Time
}

func New(logger log.Logger, reg prometheus.Registerer, c Catalog, up Uploader, stagingRoot string) *Exporter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(seriesExported, seriesFailed, uploadBytes)
	}
	return &Exporter{
		logger:      logger,
		catalog:     c,
		uploader:    up,
		stagingRoot: stagingRoot,
		deidentify:  deidentifyFile,
		now:         time.Now,
	}
}

// Stats summarizes one export pass.
type Stats struct {
	Uploaded int
	Failed   int
}

// Run processes every series awaiting upload: freshly rule-matched series,
// plus series an earlier run left mid-export, either deidentified without an
// archive or pending transfer with the upload still outstanding. Failures
// mark the series and continue with the next one.
func (e *Exporter) Run(ctx context.Context, cfg *catalog.SystemConfiguration) (Stats, error) {
	var stats Stats
	sweeps := []struct {
		status catalog.ProcessingStatus
		handle func(context.Context, *catalog.SystemConfiguration, *catalog.Series) error
	}{
		{catalog.StatusRuleMatched, e.exportSeries},
		{catalog.StatusDeidentified, e.resumeDeidentified},
		{catalog.StatusPendingTransfer, e.resumePendingTransfer},
	}
	for _, sw := range sweeps {
		series, err := e.catalog.SeriesInStatus(ctx, sw.status)
		if err != nil {
			return stats, err
		}
		for _, se := range series {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			if err := sw.handle(ctx, cfg, se); err != nil {
				stats.Failed++
				level.Error(e.logger).Log("msg", "series export failed",
					"series_uid", se.SeriesUID, "status", sw.status, "err", err)
				continue
			}
			stats.Uploaded++
			seriesExported.Inc()
		}
	}
	return stats, nil
}

func (e *Exporter) exportSeries(ctx context.Context, cfg *catalog.SystemConfiguration, se *catalog.Series) error {
	stagingDir, err := e.deidentifySeries(ctx, se)
	if err != nil {
		seriesFailed.WithLabelValues("deidentify").Inc()
		if terr := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusDeidentificationFailed); terr != nil {
			level.Warn(e.logger).Log("msg", "state update failed", "series_uid", se.SeriesUID, "err", terr)
		}
		return err
	}
	if err := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusDeidentified); err != nil {
		return err
	}
	return e.shipSeries(ctx, cfg, se, stagingDir)
}

// resumeDeidentified picks up series an earlier run left right after the
// deidentify step. Nothing was uploaded yet, so the staging directory is
// simply rebuilt under a fresh identity before shipping.
func (e *Exporter) resumeDeidentified(ctx context.Context, cfg *catalog.SystemConfiguration, se *catalog.Series) error {
	stagingDir, err := e.deidentifySeries(ctx, se)
	if err != nil {
		seriesFailed.WithLabelValues("deidentify").Inc()
		if terr := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusFailedTransfer); terr != nil {
			level.Warn(e.logger).Log("msg", "state update failed", "series_uid", se.SeriesUID, "err", terr)
		}
		return err
	}
	return e.shipSeries(ctx, cfg, se, stagingDir)
}

// resumePendingTransfer retries the upload of a series whose export row
// exists but whose transfer never concluded.
func (e *Exporter) resumePendingTransfer(ctx context.Context, cfg *catalog.SystemConfiguration, se *catalog.Series) error {
	ex, err := e.catalog.PendingExportForSeries(ctx, se.ID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	if ex != nil {
		if _, serr := os.Stat(ex.ZipPath); serr == nil {
			return e.uploadExport(ctx, cfg, se, ex.ID, ex.ZipPath, ex.ZipSHA256)
		}
	}
	// No pending export row, or its archive is gone: park the series in a
	// retryable failure state instead of pending forever.
	seriesFailed.WithLabelValues("archive_lost").Inc()
	if ex != nil {
		if serr := e.catalog.SetExportTransferStatus(ctx, ex.ID, catalog.TransferFailed); serr != nil {
			level.Warn(e.logger).Log("msg", "export status update failed", "err", serr)
		}
	}
	if terr := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusFailedTransfer); terr != nil {
		level.Warn(e.logger).Log("msg", "state update failed", "series_uid", se.SeriesUID, "err", terr)
	}
	return fmt.Errorf("series %s has no uploadable archive", se.SeriesUID)
}

// shipSeries zips the staged instance set, records the export row and
// uploads the archive. A zip failure marks the series FAILED_TRANSFER; a
// failure between CreateExport and the transition leaves the series in
// DEIDENTIFIED_SUCCESSFULLY for the next pass to resume.
func (e *Exporter) shipSeries(ctx context.Context, cfg *catalog.SystemConfiguration, se *catalog.Series, stagingDir string) error {
	zipPath := stagingDir + ".zip"
	sum, err := zipDirectory(stagingDir, zipPath)
	if err != nil {
		seriesFailed.WithLabelValues("zip").Inc()
		if terr := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusFailedTransfer); terr != nil {
			level.Warn(e.logger).Log("msg", "state update failed", "series_uid", se.SeriesUID, "err", terr)
		}
		return err
	}
	exportID, err := e.catalog.CreateExport(ctx, &catalog.Export{
		SeriesID:       se.ID,
		ZipPath:        zipPath,
		ZipSHA256:      sum,
		TransferStatus: catalog.TransferPending,
	})
	if err != nil {
		return err
	}
	if err := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusPendingTransfer); err != nil {
		return err
	}
	return e.uploadExport(ctx, cfg, se, exportID, zipPath, sum)
}

func (e *Exporter) uploadExport(ctx context.Context, cfg *catalog.SystemConfiguration, se *catalog.Series, exportID int64, zipPath, sum string) error {
	taskID, err := e.uploader.Upload(ctx, cfg, zipPath, sum)
	if err != nil {
		seriesFailed.WithLabelValues("upload").Inc()
		if serr := e.catalog.SetExportTransferStatus(ctx, exportID, catalog.TransferFailed); serr != nil {
			level.Warn(e.logger).Log("msg", "export status update failed", "err", serr)
		}
		if terr := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusFailedTransfer); terr != nil {
			level.Warn(e.logger).Log("msg", "state update failed", "series_uid", se.SeriesUID, "err", terr)
		}
		return err
	}
	if info, err := os.Stat(zipPath); err == nil {
		uploadBytes.Add(float64(info.Size()))
	}
	if err := e.catalog.MarkExportTransferred(ctx, exportID, taskID, e.now()); err != nil {
		return err
	}
	if err := e.catalog.TransitionSeries(ctx, se.ID, catalog.StatusSentToDrawServer); err != nil {
		return err
	}
	level.Info(e.logger).Log("msg", "series uploaded",
		"series_uid", se.SeriesUID, "task_id", taskID)
	return nil
}

// deidentifySeries allocates the fresh identity, persists the mapping and
// writes the deidentified instance set to a staging directory.
func (e *Exporter) deidentifySeries(ctx context.Context, se *catalog.Series) (string, error) {
	st, err := e.catalog.StudyForSeries(ctx, se)
	if err != nil {
		return "", err
	}
	pat, err := e.catalog.PatientForStudy(ctx, st)
	if err != nil {
		return "", err
	}
	instances, err := e.catalog.InstancesForSeries(ctx, se.ID)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", fmt.Errorf("series %s has no instances", se.SeriesUID)
	}

	plan := newUIDPlan(instances, se.FrameOfReferenceUID != "")
	mapping := plan.uidMapping(st.StudyUID, se.SeriesUID, se.FrameOfReferenceUID)

	// Persist the identity map before touching files so a crash never
	// leaves unmapped deidentified data.
	if err := e.catalog.SetPatientDeidentifiedID(ctx, pat.ID, plan.PatientID); err != nil {
		return "", err
	}
	if err := e.catalog.SetStudyDeidentifiedUID(ctx, st.ID, plan.StudyUID); err != nil {
		return "", err
	}
	if err := e.catalog.SetSeriesDeidentifiedUIDs(ctx, se.ID, plan.SeriesUID, plan.FrameOfRef); err != nil {
		return "", err
	}
	for _, in := range instances {
		if err := e.catalog.SetInstanceDeidentifiedUID(ctx, in.ID, plan.Instances[in.SOPInstanceUID]); err != nil {
			return "", err
		}
	}

	stagingDir := filepath.Join(e.stagingRoot, plan.SeriesUID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", err
	}
	for _, in := range instances {
		if _, err := e.deidentify(in.FilePath, stagingDir, plan, mapping); err != nil {
			return "", err
		}
	}
	return stagingDir, nil
}

// zipDirectory archives dir's files (flat, no subtree expected) and returns
// the archive's SHA-256 hex digest.
func zipDirectory(dir, zipPath string) (string, error) {
	out, err := os.Create(zipPath)
	if err != nil {
		return "", err
	}
	zw := zip.NewWriter(out)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(zipPath)
		return "", err
	}
	return FileSHA256(zipPath)
}

// FileSHA256 returns the hex SHA-256 of a file's contents.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
