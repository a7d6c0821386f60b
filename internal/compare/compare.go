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

// Package compare prepares and scopes spatial-overlap comparisons between
// two RT Structure Sets that reference the same image series. The metric
// math itself lives behind the Engine interface; this package validates the
// inputs and owns the working directory, which is removed on every exit
// path.
package compare

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yasushi-saito/go-dicom"

	"github.com/draw-rt/draw-client/internal/dicomfile"
)

var (
	// ErrNotRTStruct marks an input that is not an RT Structure Set.
	ErrNotRTStruct = errors.New("not an RT structure set")
	// ErrSeriesMismatch marks structure sets referencing different series.
	ErrSeriesMismatch = errors.New("structure sets reference different series")
)

var comparisons = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "draw_comparisons_total",
	Help: "Structure set comparisons by outcome.",
}, []string{"outcome"})

// ROIMetrics is the overlap of one region pair, as reported by the engine.
type ROIMetrics struct {
	ROIName               string
	Dice                  float64
	HausdorffMM           float64
	MeanSurfaceDistanceMM float64
}

// Result is one finished comparison.
type Result struct {
	SeriesUID string
	ROIs      []ROIMetrics
}

// Engine computes the metrics for two validated structure sets. workDir is a
// scratch directory the engine may fill freely; the runner deletes it after
// the call returns.
type Engine interface {
	Compare(ctx context.Context, workDir, referencePath, testPath string) (*Result, error)
}

type Runner struct {
	logger log.Logger
	engine Engine

	readDataSet func(path string) (*dicom.DataSet, error)
}

func NewRunner(logger log.Logger, reg prometheus.Registerer, engine Engine) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(comparisons)
	}
	return &Runner{
		logger:      logger,
		engine:      engine,
		readDataSet: dicomfile.ReadDataSet,
	}
}

// Compare validates both inputs, provisions a scratch directory and invokes
// the engine. The scratch directory is removed on success and on error.
func (r *Runner) Compare(ctx context.Context, referencePath, testPath string) (*Result, error) {
	refUID, err := r.referencedSeries(referencePath)
	if err != nil {
		comparisons.WithLabelValues("invalid_input").Inc()
		return nil, fmt.Errorf("reference %s: %w", referencePath, err)
	}
	testUID, err := r.referencedSeries(testPath)
	if err != nil {
		comparisons.WithLabelValues("invalid_input").Inc()
		return nil, fmt.Errorf("test %s: %w", testPath, err)
	}
	if refUID != testUID {
		comparisons.WithLabelValues("series_mismatch").Inc()
		return nil, fmt.Errorf("%w: %s vs %s", ErrSeriesMismatch, refUID, testUID)
	}

	workDir, err := os.MkdirTemp("", "draw-compare-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			level.Warn(r.logger).Log("msg", "removing comparison workdir",
				"dir", workDir, "err", err)
		}
	}()

	res, err := r.engine.Compare(ctx, workDir, referencePath, testPath)
	if err != nil {
		comparisons.WithLabelValues("failed").Inc()
		return nil, err
	}
	if res.SeriesUID == "" {
		res.SeriesUID = refUID
	}
	comparisons.WithLabelValues("completed").Inc()
	level.Debug(r.logger).Log("msg", "comparison completed",
		"series_uid", res.SeriesUID, "rois", len(res.ROIs))
	return res, nil
}

// referencedSeries validates one structure set and returns the single series
// it references.
func (r *Runner) referencedSeries(path string) (string, error) {
	ds, err := r.readDataSet(path)
	if err != nil {
		return "", err
	}
	if !dicomfile.IsRTStruct(ds) {
		return "", ErrNotRTStruct
	}
	uids := dicomfile.ReferencedSeriesUIDs(ds)
	if len(uids) != 1 {
		return "", fmt.Errorf("expected exactly one referenced series, got %d", len(uids))
	}
	return uids[0], nil
}
