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

// Package chain sequences the processing stages: ingest, rule matching,
// export, result polling and reidentification. A database lock serializes
// chains across processes; every stage reads its work from and writes its
// results to the catalog, so an interrupted chain resumes on the next run.
package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/export"
	"github.com/draw-rt/draw-client/internal/ingest"
	"github.com/draw-rt/draw-client/internal/reident"
	"github.com/draw-rt/draw-client/internal/retrieve"
)

// DefaultLockTTL bounds one chain. An owner that dies leaves an expired row
// the next chain reclaims.
const DefaultLockTTL = time.Hour

var (
	chainRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_chain_runs_total",
		Help: "Chain runs by result.",
	}, []string{"result"})
	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "draw_chain_stage_duration_seconds",
		Help:    "Wall time per chain stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"stage"})
	stageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_chain_stage_failures_total",
		Help: "Stage-level failures, by stage.",
	}, []string{"stage"})
)

// Catalog is the slice of the store the orchestrator uses.
type Catalog interface {
	AcquireChainLock(ctx context.Context, name, chainID, startedBy string, ttl time.Duration) error
	ReleaseChainLock(ctx context.Context, name, chainID string) error
	LoadSystemConfig(ctx context.Context) (*catalog.SystemConfiguration, error)
}

// Scanner ingests new files from the watched directory tree.
type Scanner interface {
	Scan(ctx context.Context, cfg *catalog.SystemConfiguration) (ingest.Stats, error)
}

// SeriesMatcher classifies fully-read series against the rule groups.
type SeriesMatcher interface {
	Run(ctx context.Context) (MatchStats, error)
}

// Exporter ships rule-matched series to the autosegmentation service.
type Exporter interface {
	Run(ctx context.Context, cfg *catalog.SystemConfiguration) (export.Stats, error)
}

// Poller collects finished autosegmentation results.
type Poller interface {
	Run(ctx context.Context, cfg *catalog.SystemConfiguration) (retrieve.Stats, error)
}

// Reidentifier restores original identity in downloaded structure sets.
type Reidentifier interface {
	Run(ctx context.Context) (reident.Stats, error)
}

type Orchestrator struct {
	logger   log.Logger
	catalog  Catalog
	scanner  Scanner
	matcher  SeriesMatcher
	exporter Exporter
	poller   Poller
	reident  Reidentifier

	lockTTL   time.Duration
	startedBy string

	newChainID func() string
}

func New(logger log.Logger, reg prometheus.Registerer, c Catalog, sc Scanner, m SeriesMatcher, ex Exporter, p Poller, re Reidentifier) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(chainRuns, stageDuration, stageFailures)
	}
	host, _ := os.Hostname()
	return &Orchestrator{
		logger:     logger,
		catalog:    c,
		scanner:    sc,
		matcher:    m,
		exporter:   ex,
		poller:     p,
		reident:    re,
		lockTTL:    DefaultLockTTL,
		startedBy:  fmt.Sprintf("%s/%d", host, os.Getpid()),
		newChainID: uuid.NewString,
	}
}

// RunOnce runs one full chain. A lock held by a live peer makes this a
// no-op. Stage failures are isolated: later stages still run so already
// exported series keep moving, and the joined errors are returned.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	chainID := o.newChainID()
	err := o.catalog.AcquireChainLock(ctx, catalog.ChainLockName, chainID, o.startedBy, o.lockTTL)
	if errors.Is(err, catalog.ErrLockHeld) {
		chainRuns.WithLabelValues("skipped").Inc()
		level.Debug(o.logger).Log("msg", "chain lock held elsewhere, skipping run")
		return nil
	}
	if err != nil {
		chainRuns.WithLabelValues("failed").Inc()
		return err
	}
	defer func() {
		// Release with a fresh context so a canceled chain still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.catalog.ReleaseChainLock(rctx, catalog.ChainLockName, chainID); err != nil {
			level.Warn(o.logger).Log("msg", "releasing chain lock", "err", err)
		}
	}()

	cfg, err := o.catalog.LoadSystemConfig(ctx)
	if err != nil {
		chainRuns.WithLabelValues("failed").Inc()
		return fmt.Errorf("loading system configuration: %w", err)
	}

	level.Info(o.logger).Log("msg", "chain started", "chain_id", chainID)
	started := time.Now()

	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{"ingest", func(ctx context.Context) error {
			st, err := o.scanner.Scan(ctx, cfg)
			level.Debug(o.logger).Log("msg", "ingest stage done",
				"files", st.Files, "promoted", st.SeriesPromoted, "errors", st.Errors)
			return err
		}},
		{"match", func(ctx context.Context) error {
			st, err := o.matcher.Run(ctx)
			level.Debug(o.logger).Log("msg", "match stage done",
				"matched", st.Matched, "unmatched", st.Unmatched,
				"multiple", st.Multiple, "errors", st.Errors)
			return err
		}},
		{"export", func(ctx context.Context) error {
			st, err := o.exporter.Run(ctx, cfg)
			level.Debug(o.logger).Log("msg", "export stage done",
				"uploaded", st.Uploaded, "failed", st.Failed)
			return err
		}},
		{"poll", func(ctx context.Context) error {
			st, err := o.poller.Run(ctx, cfg)
			level.Debug(o.logger).Log("msg", "poll stage done",
				"polled", st.Polled, "received", st.Received, "rejected", st.Rejected)
			return err
		}},
		{"reidentify", func(ctx context.Context) error {
			st, err := o.reident.Run(ctx)
			level.Debug(o.logger).Log("msg", "reidentify stage done",
				"exported", st.Exported, "failed", st.Failed)
			return err
		}},
	}

	var errs []error
	for _, stage := range stages {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		t0 := time.Now()
		err := stage.run(ctx)
		stageDuration.WithLabelValues(stage.name).Observe(time.Since(t0).Seconds())
		if err != nil {
			stageFailures.WithLabelValues(stage.name).Inc()
			level.Error(o.logger).Log("msg", "chain stage failed", "stage", stage.name, "err", err)
			errs = append(errs, fmt.Errorf("stage %s: %w", stage.name, err))
		}
	}

	if len(errs) > 0 {
		chainRuns.WithLabelValues("failed").Inc()
	} else {
		chainRuns.WithLabelValues("completed").Inc()
	}
	level.Info(o.logger).Log("msg", "chain finished", "chain_id", chainID,
		"duration", time.Since(started), "failures", len(errs))
	return errors.Join(errs...)
}

// Run chains at every interval until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
			level.Error(o.logger).Log("msg", "chain run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
