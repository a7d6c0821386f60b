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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

type matchOutcome struct {
	seriesID  int64
	status    catalog.ProcessingStatus
	rulesets  []string
	templates []string
}

type fakeMatchCatalog struct {
	series    []*catalog.Series
	groups    []*catalog.RuleGroup
	instances map[int64][]*catalog.Instance

	outcomes []matchOutcome
}

func (f *fakeMatchCatalog) SeriesInStatus(_ context.Context, status catalog.ProcessingStatus) ([]*catalog.Series, error) {
	if status != catalog.StatusUnprocessed {
		return nil, nil
	}
	return f.series, nil
}

func (f *fakeMatchCatalog) LoadRuleGroups(context.Context) ([]*catalog.RuleGroup, error) {
	return f.groups, nil
}

func (f *fakeMatchCatalog) InstancesForSeries(_ context.Context, seriesID int64) ([]*catalog.Instance, error) {
	return f.instances[seriesID], nil
}

func (f *fakeMatchCatalog) SetSeriesMatchOutcome(_ context.Context, seriesID int64, status catalog.ProcessingStatus, rulesets, templates []string) error {
	f.outcomes = append(f.outcomes, matchOutcome{seriesID, status, rulesets, templates})
	return nil
}

func ctGroup(name, template string) *catalog.RuleGroup {
	return &catalog.RuleGroup{
		Name: name, TemplateName: template, IsActive: true,
		RuleSets: []*catalog.RuleSet{{
			Name: name + "-modality", Combinator: catalog.CombinatorAnd,
			Rules: []*catalog.Rule{{
				TagID: "(0008,0060)", VR: "CS", Operator: "EQ", Value: "CT",
				Combinator: catalog.CombinatorAnd,
			}},
		}},
	}
}

func metaWithModality(modality string) *dicomfile.Metadata {
	return &dicomfile.Metadata{Tags: map[string]string{"(0008,0060)": modality}}
}

func newTestMatcher(cat *fakeMatchCatalog, modality string) *Matcher {
	m := NewMatcher(nil, nil, cat)
	m.readMeta = func(string) (*dicomfile.Metadata, error) {
		return metaWithModality(modality), nil
	}
	return m
}

func seriesFixture(cat *fakeMatchCatalog, id int64, uid string) {
	cat.series = append(cat.series, &catalog.Series{ID: id, SeriesUID: uid})
	cat.instances[id] = []*catalog.Instance{{SeriesID: id, FilePath: "/data/" + uid + "/0001.dcm"}}
}

func TestMatcherSingleMatch(t *testing.T) {
	cat := &fakeMatchCatalog{instances: map[int64][]*catalog.Instance{}}
	seriesFixture(cat, 7, "1.2.3")
	cat.groups = []*catalog.RuleGroup{ctGroup("pelvis-ct", "pelvis_v2")}

	m := newTestMatcher(cat, "CT")
	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, MatchStats{Matched: 1}, stats)
	require.Equal(t, []matchOutcome{{
		seriesID:  7,
		status:    catalog.StatusRuleMatched,
		rulesets:  []string{"pelvis-ct-modality"},
		templates: []string{"pelvis_v2"},
	}}, cat.outcomes)
}

func TestMatcherUnmatched(t *testing.T) {
	cat := &fakeMatchCatalog{instances: map[int64][]*catalog.Instance{}}
	seriesFixture(cat, 7, "1.2.3")
	cat.groups = []*catalog.RuleGroup{ctGroup("pelvis-ct", "pelvis_v2")}

	m := newTestMatcher(cat, "MR")
	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, MatchStats{Unmatched: 1}, stats)
	require.Equal(t, catalog.StatusRuleNotMatched, cat.outcomes[0].status)
	require.Empty(t, cat.outcomes[0].rulesets)
}

func TestMatcherMultipleParksSeries(t *testing.T) {
	cat := &fakeMatchCatalog{instances: map[int64][]*catalog.Instance{}}
	seriesFixture(cat, 7, "1.2.3")
	cat.groups = []*catalog.RuleGroup{
		ctGroup("pelvis-ct", "pelvis_v2"),
		ctGroup("abdomen-ct", "abdomen_v1"),
	}

	m := newTestMatcher(cat, "CT")
	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, MatchStats{Multiple: 1}, stats)
	require.Equal(t, catalog.StatusMultipleRulesMatched, cat.outcomes[0].status)
	require.Equal(t, []string{"pelvis_v2", "abdomen_v1"}, cat.outcomes[0].templates)
}

func TestMatcherUnreadableInstanceStaysUnprocessed(t *testing.T) {
	cat := &fakeMatchCatalog{instances: map[int64][]*catalog.Instance{}}
	seriesFixture(cat, 7, "1.2.3")
	seriesFixture(cat, 8, "1.2.4")
	cat.groups = []*catalog.RuleGroup{ctGroup("pelvis-ct", "pelvis_v2")}

	m := NewMatcher(nil, nil, cat)
	m.readMeta = func(path string) (*dicomfile.Metadata, error) {
		if path == "/data/1.2.3/0001.dcm" {
			return nil, errors.New("truncated file")
		}
		return metaWithModality("CT"), nil
	}

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, MatchStats{Matched: 1, Errors: 1}, stats)
	// Only the readable series got an outcome; the other is retried later.
	require.Len(t, cat.outcomes, 1)
	require.EqualValues(t, 8, cat.outcomes[0].seriesID)
}

func TestMatcherNoInstancesIsAnError(t *testing.T) {
	cat := &fakeMatchCatalog{
		series:    []*catalog.Series{{ID: 7, SeriesUID: "1.2.3"}},
		groups:    []*catalog.RuleGroup{ctGroup("pelvis-ct", "pelvis_v2")},
		instances: map[int64][]*catalog.Instance{},
	}
	m := newTestMatcher(cat, "CT")
	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, MatchStats{Errors: 1}, stats)
	require.Empty(t, cat.outcomes)
}
