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

// Package retrieve polls the autosegmentation service for finished tasks,
// downloads the RT Structure Set, verifies its checksum and contents, and
// records the Import. Every step keys off the server task id, so interrupted
// runs replay safely.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yasushi-saito/go-dicom"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
	"github.com/draw-rt/draw-client/internal/export"
)

// StatusSegmentationCompleted is the server status that triggers download.
const StatusSegmentationCompleted = "SEGMENTATION COMPLETED"

// StatusRTStructReceived is written back after a confirmed download.
const StatusRTStructReceived = "RTStructure Received"

var (
	tasksPolled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_retrieve_polls_total",
		Help: "Status polls issued to the autosegmentation service.",
	})
	structuresReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_retrieve_rtstructs_received_total",
		Help: "RT Structure Sets downloaded, verified and confirmed.",
	})
	downloadsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_retrieve_rejected_total",
		Help: "Downloads rejected before import by reason.",
	}, []string{"reason"})
)

// Catalog is the slice of the store the poller uses.
type Catalog interface {
	ExportsAwaitingResult(ctx context.Context) ([]*catalog.Export, error)
	SetExportServerStatus(ctx context.Context, exportID int64, status string, at time.Time) error
	SetExportTransferStatus(ctx context.Context, exportID int64, status catalog.TransferStatus) error
	SeriesByID(ctx context.Context, id int64) (*catalog.Series, error)
	TransitionSeries(ctx context.Context, seriesID int64, to catalog.ProcessingStatus) error
	CreateImport(ctx context.Context, im *catalog.Import) (int64, error)
	ImportForExport(ctx context.Context, exportID int64) (*catalog.Import, error)
}

// API is the slice of the segmentation service client the poller uses.
type API interface {
	Status(ctx context.Context, cfg *catalog.SystemConfiguration, taskID string) (string, error)
	Download(ctx context.Context, cfg *catalog.SystemConfiguration, taskID, destPath string) (string, error)
	Notify(ctx context.Context, cfg *catalog.SystemConfiguration, taskID string) error
}

type Poller struct {
	logger  log.Logger
	catalog Catalog
	api     API

	readDataSet func(path string) (*dicom.DataSet, error)
	now         func() time.Time
}

func New(logger log.Logger, reg prometheus.Registerer, c Catalog, api API) *Poller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(tasksPolled, structuresReceived, downloadsRejected)
	}
	return &Poller{
		logger:      logger,
		catalog:     c,
		api:         api,
		readDataSet: dicomfile.ReadDataSet,
		now:         time.Now,
	}
}

// Stats summarizes one poll pass.
type Stats struct {
	Polled   int
	Received int
	Rejected int
	Errors   int
}

// Run polls every export still awaiting a result. Per-task failures are
// isolated; the pass continues with the next task.
func (p *Poller) Run(ctx context.Context, cfg *catalog.SystemConfiguration) (Stats, error) {
	var stats Stats
	exports, err := p.catalog.ExportsAwaitingResult(ctx)
	if err != nil {
		return stats, err
	}
	for _, ex := range exports {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !ex.ServerTaskID.Valid {
			continue
		}
		stats.Polled++
		tasksPolled.Inc()
		outcome, err := p.pollTask(ctx, cfg, ex)
		switch {
		case err != nil:
			stats.Errors++
			level.Warn(p.logger).Log("msg", "poll failed",
				"task_id", ex.ServerTaskID.String, "err", err)
		case outcome == outcomeReceived:
			stats.Received++
			structuresReceived.Inc()
		case outcome == outcomeRejected:
			stats.Rejected++
		}
	}
	return stats, nil
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeReceived
	outcomeRejected
)

func (p *Poller) pollTask(ctx context.Context, cfg *catalog.SystemConfiguration, ex *catalog.Export) (outcome, error) {
	taskID := ex.ServerTaskID.String
	status, err := p.api.Status(ctx, cfg, taskID)
	if err != nil {
		return outcomePending, err
	}
	if err := p.catalog.SetExportServerStatus(ctx, ex.ID, status, p.now()); err != nil {
		return outcomePending, err
	}
	if status != StatusSegmentationCompleted {
		return outcomePending, nil
	}
	return p.download(ctx, cfg, ex, taskID)
}

func (p *Poller) download(ctx context.Context, cfg *catalog.SystemConfiguration, ex *catalog.Export, taskID string) (outcome, error) {
	se, err := p.catalog.SeriesByID(ctx, ex.SeriesID)
	if err != nil {
		return outcomePending, err
	}

	// A previous pass may have downloaded and verified the file already and
	// failed only on the notify. Reuse its import row instead of orphaning a
	// second copy on disk.
	if _, err := p.catalog.ImportForExport(ctx, ex.ID); err == nil {
		return p.confirm(ctx, cfg, ex, se, taskID)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return outcomePending, err
	}

	dest := filepath.Join(filepath.Dir(ex.ZipPath), "downloaded_rtstruct",
		fmt.Sprintf("rtstruct_%s_%s.dcm", taskID, p.now().UTC().Format("20060102_150405")))
	serverSum, err := p.api.Download(ctx, cfg, taskID, dest)
	if err != nil {
		return outcomePending, err
	}

	sum, err := export.FileSHA256(dest)
	if err != nil {
		return outcomePending, err
	}
	if serverSum != "" && serverSum != sum {
		return p.reject(ctx, ex, se, dest, "checksum",
			catalog.TransferChecksumMatchFailed)
	}

	ds, err := p.readDataSet(dest)
	if err != nil {
		level.Warn(p.logger).Log("msg", "downloaded file is not parseable DICOM",
			"task_id", taskID, "err", err)
		return p.reject(ctx, ex, se, dest, "parse", catalog.TransferInvalidRTStructFile)
	}
	if mod := dicomfile.FindString(ds, dicom.TagModality); mod != "RTSTRUCT" {
		level.Warn(p.logger).Log("msg", "downloaded file is not an RT Structure Set",
			"task_id", taskID, "modality", mod)
		return p.reject(ctx, ex, se, dest, "modality", catalog.TransferInvalidRTStructFile)
	}
	switch refs := dicomfile.ReferencedSeriesUIDs(ds); {
	case len(refs) == 0:
		level.Warn(p.logger).Log("msg", "structure set carries no referenced series, proceeding",
			"task_id", taskID)
	case refs[0] != se.DeidentifiedSeriesUID || len(refs) > 1:
		level.Warn(p.logger).Log("msg", "referenced series mismatch",
			"task_id", taskID, "got", refs[0], "want", se.DeidentifiedSeriesUID)
		return p.reject(ctx, ex, se, dest, "reference", catalog.TransferInvalidRTStructFile)
	}

	im := &catalog.Import{
		SeriesID:       se.ID,
		ExportID:       ex.ID,
		ReceivedSOPUID: dicomfile.FindString(ds, dicomfile.TagSOPInstanceUID),
		DownloadedPath: dest,
		ReceivedSHA256: sum,
		ReceivedAt:     p.now(),
	}
	if _, err := p.catalog.CreateImport(ctx, im); err != nil {
		return outcomePending, err
	}
	return p.confirm(ctx, cfg, ex, se, taskID)
}

// confirm notifies the server and advances export and series state. It runs
// only once the import row exists; an unconfirmed notify replays here on the
// next poll against the same row.
func (p *Poller) confirm(ctx context.Context, cfg *catalog.SystemConfiguration, ex *catalog.Export, se *catalog.Series, taskID string) (outcome, error) {
	if err := p.api.Notify(ctx, cfg, taskID); err != nil {
		return outcomePending, err
	}
	if err := p.catalog.SetExportServerStatus(ctx, ex.ID, StatusRTStructReceived, p.now()); err != nil {
		return outcomePending, err
	}
	if err := p.catalog.SetExportTransferStatus(ctx, ex.ID, catalog.TransferRTStructReceived); err != nil {
		return outcomePending, err
	}
	if err := p.catalog.TransitionSeries(ctx, se.ID, catalog.StatusRTStructReceived); err != nil {
		return outcomePending, err
	}
	return outcomeReceived, nil
}

// reject deletes the downloaded file and marks export and series invalid.
func (p *Poller) reject(ctx context.Context, ex *catalog.Export, se *catalog.Series, path, reason string, ts catalog.TransferStatus) (outcome, error) {
	downloadsRejected.WithLabelValues(reason).Inc()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		level.Warn(p.logger).Log("msg", "removing rejected download", "path", path, "err", err)
	}
	if err := p.catalog.SetExportTransferStatus(ctx, ex.ID, ts); err != nil {
		return outcomeRejected, err
	}
	if err := p.catalog.TransitionSeries(ctx, se.ID, catalog.StatusInvalidRTStructReceived); err != nil {
		return outcomeRejected, err
	}
	return outcomeRejected, nil
}
