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

package chain

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draw-rt/draw-client/internal/catalog"
)

// SampleInterval is how often statistics deltas are recorded.
const SampleInterval = 30 * time.Minute

var samplesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "draw_statistics_samples_total",
	Help: "Statistics datapoints appended to the catalog.",
})

// SampleCatalog is the slice of the store the sampler uses.
type SampleCatalog interface {
	LoadServiceStatus(ctx context.Context) (*catalog.ServiceStatus, error)
	CountSeriesByStatus(ctx context.Context) (map[catalog.ProcessingStatus]int64, error)
	AddStatisticsSample(ctx context.Context, name string, value float64) error
	LatestSample(ctx context.Context, name string) (*catalog.StatisticsSample, error)
}

// Sampler periodically appends statistics datapoints: deltas of the SCP
// running counters since the previous sample, and absolute series counts per
// processing status. Samples are append-only; trends are read back by time.
type Sampler struct {
	logger  log.Logger
	catalog SampleCatalog
}

func NewSampler(logger log.Logger, reg prometheus.Registerer, c SampleCatalog) *Sampler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(samplesRecorded)
	}
	return &Sampler{logger: logger, catalog: c}
}

// RunOnce records one round of samples.
func (s *Sampler) RunOnce(ctx context.Context) error {
	status, err := s.catalog.LoadServiceStatus(ctx)
	if err != nil {
		return err
	}
	counters := []struct {
		name  string
		total int64
	}{
		{"scp_files_received", status.TotalFilesReceived},
		{"scp_bytes_received", status.TotalBytesReceived},
		{"scp_connections", status.TotalConnections},
		{"scp_errors", status.TotalErrors},
	}
	for _, c := range counters {
		if err := s.recordDelta(ctx, c.name, float64(c.total)); err != nil {
			return err
		}
	}

	counts, err := s.catalog.CountSeriesByStatus(ctx)
	if err != nil {
		return err
	}
	statuses := make([]catalog.ProcessingStatus, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, st := range statuses {
		name := "series_" + strings.ToLower(string(st))
		if err := s.record(ctx, name, float64(counts[st])); err != nil {
			return err
		}
	}
	return nil
}

// recordDelta stores the running total alongside the delta since the last
// recorded total. A total below the previous sample means the counters were
// reset; the full current value is taken as the delta.
func (s *Sampler) recordDelta(ctx context.Context, name string, total float64) error {
	var prev float64
	last, err := s.catalog.LatestSample(ctx, name+"_total")
	switch {
	case errors.Is(err, catalog.ErrNotFound):
	case err != nil:
		return err
	default:
		prev = last.Value
	}
	delta := total - prev
	if delta < 0 {
		delta = total
	}
	if err := s.record(ctx, name+"_total", total); err != nil {
		return err
	}
	return s.record(ctx, name+"_delta", delta)
}

func (s *Sampler) record(ctx context.Context, name string, value float64) error {
	if err := s.catalog.AddStatisticsSample(ctx, name, value); err != nil {
		return err
	}
	samplesRecorded.Inc()
	return nil
}

// Run samples at every interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			level.Error(s.logger).Log("msg", "statistics sampling failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
