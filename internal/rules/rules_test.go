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

package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/draw-rt/draw-client/internal/catalog"
)

type tagMap map[string]string

func (m tagMap) Value(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func rule(tagID, vr, op, value string, c catalog.Combinator) *catalog.Rule {
	return &catalog.Rule{TagID: tagID, VR: vr, Operator: op, Value: value, Combinator: c}
}

func group(name, template string, active bool, sets ...*catalog.RuleSet) *catalog.RuleGroup {
	return &catalog.RuleGroup{Name: name, TemplateName: template, IsActive: active, RuleSets: sets}
}

func set(name string, c catalog.Combinator, rs ...*catalog.Rule) *catalog.RuleSet {
	return &catalog.RuleSet{Name: name, Combinator: c, Rules: rs}
}

var pelvisCT = tagMap{
	"(0008,0060)": "CT",
	"(0018,0050)": "3.0",
	"(0008,103E)": "Pelvis 3mm axial",
	"(0018,0015)": "PELVIS",
}

func TestEvaluateSingleMatch(t *testing.T) {
	e := NewEvaluator(nil)
	groups := []*catalog.RuleGroup{
		group("pelvis-ct", "pelvis_male_v2", true,
			set("modality-and-thickness", catalog.CombinatorAnd,
				rule("(0008,0060)", "CS", "EQ", "CT", catalog.CombinatorAnd),
				rule("(0018,0050)", "DS", "LTE", "3.0", catalog.CombinatorAnd),
			),
		),
		group("head-mr", "brain_v1", true,
			set("modality", catalog.CombinatorAnd,
				rule("(0008,0060)", "CS", "EQ", "MR", catalog.CombinatorAnd),
			),
		),
	}

	res := e.Evaluate(groups, pelvisCT)
	require.Equal(t, OutcomeMatched, res.Outcome)
	require.Equal(t, "pelvis_male_v2", res.Template())
	require.Equal(t, []string{"modality-and-thickness"}, res.RuleSetNames())
}

func TestEvaluateMultipleMatches(t *testing.T) {
	e := NewEvaluator(nil)
	groups := []*catalog.RuleGroup{
		group("pelvis-ct", "pelvis_male_v2", true,
			set("s1", catalog.CombinatorAnd,
				rule("(0008,0060)", "CS", "EQ", "CT", catalog.CombinatorAnd))),
		group("any-pelvis", "pelvis_generic", true,
			set("s2", catalog.CombinatorAnd,
				rule("(0018,0015)", "CS", "EQ", "PELVIS", catalog.CombinatorAnd))),
	}

	res := e.Evaluate(groups, pelvisCT)
	require.Equal(t, OutcomeMultiple, res.Outcome)
	require.Equal(t, "", res.Template())
	require.Equal(t, []string{"pelvis_male_v2", "pelvis_generic"}, res.TemplateNames())
}

func TestEvaluateUnmatchedAndInactive(t *testing.T) {
	e := NewEvaluator(nil)
	groups := []*catalog.RuleGroup{
		group("inactive", "t", false,
			set("s", catalog.CombinatorAnd,
				rule("(0008,0060)", "CS", "EQ", "CT", catalog.CombinatorAnd))),
		group("mr-only", "t2", true,
			set("s", catalog.CombinatorAnd,
				rule("(0008,0060)", "CS", "EQ", "MR", catalog.CombinatorAnd))),
	}

	res := e.Evaluate(groups, pelvisCT)
	require.Equal(t, OutcomeUnmatched, res.Outcome)
	require.Empty(t, res.Matches)
}

// Left fold, no precedence: false AND true OR true evaluates as
// ((false AND true) OR true) = true, whereas precedence rules would give the
// same here; the distinguishing case is true OR true AND false = false.
func TestRuleSetLeftFold(t *testing.T) {
	e := NewEvaluator(nil)
	rs := set("fold", catalog.CombinatorAnd,
		rule("(0008,0060)", "CS", "EQ", "CT", catalog.CombinatorOr),  // true, joins next with OR
		rule("(0008,0060)", "CS", "EQ", "MR", catalog.CombinatorAnd), // false, joins next with AND
		rule("(0008,0060)", "CS", "EQ", "US", catalog.CombinatorAnd), // false
	)
	// ((true OR false) AND false) = false
	require.False(t, e.evalRuleSet(rs, pelvisCT))

	rs = set("fold2", catalog.CombinatorAnd,
		rule("(0008,0060)", "CS", "EQ", "MR", catalog.CombinatorOr), // false OR ...
		rule("(0018,0050)", "DS", "GT", "2.0", catalog.CombinatorAnd),
	)
	// (false OR true) = true
	require.True(t, e.evalRuleSet(rs, pelvisCT))
}

func TestMissingTagSemantics(t *testing.T) {
	e := NewEvaluator(nil)
	// EQ against a missing tag never matches.
	require.False(t, e.evalRule(
		rule("(0010,1010)", "AS", "EQ", "045Y", catalog.CombinatorAnd), pelvisCT))
	// NEQ against a missing tag matches when the literal is non-empty.
	require.True(t, e.evalRule(
		rule("(0010,1010)", "AS", "NEQ", "045Y", catalog.CombinatorAnd), pelvisCT))
}

func TestUnparsableNumericFailsRuleOnly(t *testing.T) {
	e := NewEvaluator(nil)
	values := tagMap{"(0018,0050)": "not-a-number", "(0008,0060)": "CT"}
	groups := []*catalog.RuleGroup{
		group("g", "t", true,
			set("s", catalog.CombinatorAnd,
				rule("(0018,0050)", "DS", "GT", "1.0", catalog.CombinatorOr),
				rule("(0008,0060)", "CS", "EQ", "CT", catalog.CombinatorAnd),
			)),
	}
	res := e.Evaluate(groups, values)
	// The broken numeric rule is false; OR rescues the set.
	require.Equal(t, OutcomeMatched, res.Outcome)
}

func TestEmptyStructuresNeverMatch(t *testing.T) {
	e := NewEvaluator(nil)
	require.Equal(t, OutcomeUnmatched,
		e.Evaluate([]*catalog.RuleGroup{group("g", "t", true)}, pelvisCT).Outcome)
	require.Equal(t, OutcomeUnmatched,
		e.Evaluate([]*catalog.RuleGroup{
			group("g", "t", true, set("s", catalog.CombinatorAnd)),
		}, pelvisCT).Outcome)
}
