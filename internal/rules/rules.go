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

// Package rules evaluates operator-authored matching trees against series
// metadata. Evaluation is a strict left fold: within a ruleset each rule's
// combinator joins its result with the next rule's, and within a group each
// ruleset's combinator joins with the next ruleset's. There is no operator
// precedence between AND and OR.
package rules

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/vr"
)

// TagValues resolves a tag key (canonical name or "(gggg,eeee)") to its
// value in the series being evaluated.
type TagValues interface {
	Value(key string) (string, bool)
}

// Outcome classifies a series after evaluating all active rule groups.
type Outcome int

const (
	// OutcomeUnmatched leaves the series out of the pipeline.
	OutcomeUnmatched Outcome = iota
	// OutcomeMatched selects exactly one autosegmentation template.
	OutcomeMatched
	// OutcomeMultiple parks the series for operator review.
	OutcomeMultiple
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "MATCHED"
	case OutcomeMultiple:
		return "MULTIPLE_RULES_MATCHED"
	default:
		return "UNMATCHED"
	}
}

// GroupMatch records one rule group that matched a series.
type GroupMatch struct {
	GroupName string
	Template  string
	RuleSets  []string
}

// Result is the evaluation of all groups against one series.
type Result struct {
	Outcome Outcome
	Matches []GroupMatch
}

// Template returns the selected template for a single match, or "".
func (r *Result) Template() string {
	if r.Outcome != OutcomeMatched {
		return ""
	}
	return r.Matches[0].Template
}

// RuleSetNames lists the names of rulesets across all matched groups.
func (r *Result) RuleSetNames() []string {
	var names []string
	for _, m := range r.Matches {
		names = append(names, m.RuleSets...)
	}
	return names
}

// TemplateNames lists the templates of all matched groups.
func (r *Result) TemplateNames() []string {
	var names []string
	for _, m := range r.Matches {
		names = append(names, m.Template)
	}
	return names
}

// Evaluator evaluates rule groups. A zero logger is replaced with a nop.
type Evaluator struct {
	logger log.Logger
}

func NewEvaluator(logger log.Logger) *Evaluator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Evaluator{logger: logger}
}

// Evaluate runs every active group against the series values and classifies
// the outcome. Inactive groups are skipped. A rule whose literal cannot be
// interpreted under its VR fails that rule, not the whole evaluation.
func (e *Evaluator) Evaluate(groups []*catalog.RuleGroup, values TagValues) *Result {
	res := &Result{}
	for _, g := range groups {
		if !g.IsActive {
			continue
		}
		matched, sets := e.evalGroup(g, values)
		if matched {
			res.Matches = append(res.Matches, GroupMatch{
				GroupName: g.Name,
				Template:  g.TemplateName,
				RuleSets:  sets,
			})
		}
	}
	switch len(res.Matches) {
	case 0:
		res.Outcome = OutcomeUnmatched
	case 1:
		res.Outcome = OutcomeMatched
	default:
		res.Outcome = OutcomeMultiple
	}
	return res
}

func (e *Evaluator) evalGroup(g *catalog.RuleGroup, values TagValues) (bool, []string) {
	if len(g.RuleSets) == 0 {
		return false, nil
	}
	var setNames []string
	acc := false
	for i, rs := range g.RuleSets {
		v := e.evalRuleSet(rs, values)
		if v {
			setNames = append(setNames, rs.Name)
		}
		if i == 0 {
			acc = v
			continue
		}
		acc = combine(acc, v, g.RuleSets[i-1].Combinator)
	}
	return acc, setNames
}

func (e *Evaluator) evalRuleSet(rs *catalog.RuleSet, values TagValues) bool {
	if len(rs.Rules) == 0 {
		return false
	}
	acc := false
	for i, r := range rs.Rules {
		v := e.evalRule(r, values)
		if i == 0 {
			acc = v
			continue
		}
		acc = combine(acc, v, rs.Rules[i-1].Combinator)
	}
	return acc
}

func (e *Evaluator) evalRule(r *catalog.Rule, values TagValues) bool {
	val, present := values.Value(r.TagID)
	if !present && r.TagName != "" {
		val, present = values.Value(r.TagName)
	}
	ok, err := vr.Compare(r.VR, vr.Operator(r.Operator), val, r.Value, present)
	if err != nil {
		level.Debug(e.logger).Log(
			"msg", "rule failed to evaluate", "tag", r.TagID,
			"operator", r.Operator, "err", err)
		return false
	}
	return ok
}

func combine(a, b bool, c catalog.Combinator) bool {
	if c == catalog.CombinatorOr {
		return a || b
	}
	return a && b
}

// Describe renders a rule for log and transaction lines.
func Describe(r *catalog.Rule) string {
	return fmt.Sprintf("%s(%s) %s %q", r.TagName, r.TagID, r.Operator, r.Value)
}
