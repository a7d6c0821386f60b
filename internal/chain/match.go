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
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
	"github.com/draw-rt/draw-client/internal/rules"
)

var (
	seriesClassified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "draw_chain_series_classified_total",
		Help: "Series classified by rule evaluation, by outcome.",
	}, []string{"outcome"})
	matchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_chain_match_errors_total",
		Help: "Series left unprocessed because classification failed.",
	})
)

// MatchCatalog is the slice of the store rule matching uses.
type MatchCatalog interface {
	SeriesInStatus(ctx context.Context, status catalog.ProcessingStatus) ([]*catalog.Series, error)
	LoadRuleGroups(ctx context.Context) ([]*catalog.RuleGroup, error)
	InstancesForSeries(ctx context.Context, seriesID int64) ([]*catalog.Instance, error)
	SetSeriesMatchOutcome(ctx context.Context, seriesID int64, status catalog.ProcessingStatus, rulesets, templates []string) error
}

// Matcher classifies fully-read series against the configured rule groups.
// A series that matches several groups is parked in MULTIPLE_RULES_MATCHED
// until an operator resets it.
type Matcher struct {
	logger  log.Logger
	catalog MatchCatalog
	eval    *rules.Evaluator

	readMeta func(path string) (*dicomfile.Metadata, error)
}

func NewMatcher(logger log.Logger, reg prometheus.Registerer, c MatchCatalog) *Matcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(seriesClassified, matchErrors)
	}
	return &Matcher{
		logger:   logger,
		catalog:  c,
		eval:     rules.NewEvaluator(logger),
		readMeta: dicomfile.ReadMetadata,
	}
}

// MatchStats summarizes one classification pass.
type MatchStats struct {
	Matched   int
	Unmatched int
	Multiple  int
	Errors    int
}

// Run classifies every UNPROCESSED series. A series whose representative
// instance cannot be read stays UNPROCESSED and is retried next chain.
func (m *Matcher) Run(ctx context.Context) (MatchStats, error) {
	var stats MatchStats
	pending, err := m.catalog.SeriesInStatus(ctx, catalog.StatusUnprocessed)
	if err != nil {
		return stats, err
	}
	if len(pending) == 0 {
		return stats, nil
	}
	groups, err := m.catalog.LoadRuleGroups(ctx)
	if err != nil {
		return stats, err
	}

	for _, se := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := m.classify(ctx, groups, se, &stats); err != nil {
			stats.Errors++
			matchErrors.Inc()
			level.Error(m.logger).Log("msg", "series classification failed",
				"series_uid", se.SeriesUID, "err", err)
		}
	}
	return stats, nil
}

func (m *Matcher) classify(ctx context.Context, groups []*catalog.RuleGroup, se *catalog.Series, stats *MatchStats) error {
	instances, err := m.catalog.InstancesForSeries(ctx, se.ID)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("series %s has no instances on record", se.SeriesUID)
	}
	// Rule tags are series-level; any instance of the series carries them.
	meta, err := m.readMeta(instances[0].FilePath)
	if err != nil {
		return err
	}

	res := m.eval.Evaluate(groups, meta)
	var status catalog.ProcessingStatus
	switch res.Outcome {
	case rules.OutcomeMatched:
		status = catalog.StatusRuleMatched
		stats.Matched++
	case rules.OutcomeMultiple:
		status = catalog.StatusMultipleRulesMatched
		stats.Multiple++
	default:
		status = catalog.StatusRuleNotMatched
		stats.Unmatched++
	}
	seriesClassified.WithLabelValues(res.Outcome.String()).Inc()
	level.Debug(m.logger).Log("msg", "series classified",
		"series_uid", se.SeriesUID, "outcome", res.Outcome.String(), "template", res.Template())

	return m.catalog.SetSeriesMatchOutcome(ctx, se.ID, status, res.RuleSetNames(), res.TemplateNames())
}
