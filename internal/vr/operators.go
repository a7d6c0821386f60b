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

package vr

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a rule comparison operator.
type Operator string

const (
	// Numeric operators. EQ and NEQ also apply to string and datetime VRs.
	OpEQ  Operator = "EQ"
	OpNEQ Operator = "NEQ"
	OpGT  Operator = "GT"
	OpLT  Operator = "LT"
	OpGTE Operator = "GTE"
	OpLTE Operator = "LTE"

	// String operators: contains/exact x case-sensitive/insensitive x
	// positive/negative.
	OpContains              Operator = "CONTAINS"
	OpNotContains           Operator = "NOT_CONTAINS"
	OpContainsIgnoreCase    Operator = "CONTAINS_IGNORE_CASE"
	OpNotContainsIgnoreCase Operator = "NOT_CONTAINS_IGNORE_CASE"
	OpExactIgnoreCase       Operator = "EXACT_IGNORE_CASE"
	OpNotExact              Operator = "NOT_EXACT"
)

var numericOps = map[Operator]bool{
	OpEQ: true, OpNEQ: true, OpGT: true, OpLT: true, OpGTE: true, OpLTE: true,
}

var stringOps = map[Operator]bool{
	OpContains: true, OpNotContains: true,
	OpContainsIgnoreCase: true, OpNotContainsIgnoreCase: true,
	OpExactIgnoreCase: true, OpNotExact: true,
}

// Compatible reports whether the operator may be applied to values of the
// given VR code.
func Compatible(vr string, op Operator) bool {
	switch CategoryOf(vr) {
	case CategoryNumeric:
		return numericOps[op]
	case CategoryString:
		return stringOps[op] || op == OpEQ || op == OpNEQ
	case CategoryDateTime:
		return numericOps[op] || stringOps[op]
	default:
		return op == OpEQ || op == OpNEQ
	}
}

// Compare evaluates one rule comparison. tagValue is the series metadata
// value for the rule's tag; present is false when the tag was absent from the
// representative instance. literal is the operator-authored rule value.
//
// Missing-tag semantics: NEQ is true iff the literal is non-empty, EQ is
// false, everything else fails the rule.
func Compare(vr string, op Operator, tagValue, literal string, present bool) (bool, error) {
	if !present {
		switch op {
		case OpNEQ:
			return literal != "", nil
		default:
			return false, nil
		}
	}

	switch CategoryOf(vr) {
	case CategoryNumeric:
		return compareNumeric(op, tagValue, literal)
	case CategoryDateTime:
		if numericOps[op] && op != OpEQ && op != OpNEQ {
			// Ordered datetime comparison works on the digit strings once
			// both parse as numbers (DA and TM are fixed-width).
			return compareNumeric(op, tagValue, literal)
		}
		return compareString(op, tagValue, literal)
	default:
		return compareString(op, tagValue, literal)
	}
}

func compareNumeric(op Operator, tagValue, literal string) (bool, error) {
	a, err := strconv.ParseFloat(strings.TrimSpace(tagValue), 64)
	if err != nil {
		return false, nil
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(literal), 64)
	if err != nil {
		return false, nil
	}
	switch op {
	case OpEQ:
		return a == b, nil
	case OpNEQ:
		return a != b, nil
	case OpGT:
		return a > b, nil
	case OpLT:
		return a < b, nil
	case OpGTE:
		return a >= b, nil
	case OpLTE:
		return a <= b, nil
	}
	return false, fmt.Errorf("operator %s is not numeric", op)
}

func compareString(op Operator, tagValue, literal string) (bool, error) {
	switch op {
	case OpEQ:
		return tagValue == literal, nil
	case OpNEQ, OpNotExact:
		return tagValue != literal, nil
	case OpContains:
		return strings.Contains(tagValue, literal), nil
	case OpNotContains:
		return !strings.Contains(tagValue, literal), nil
	case OpContainsIgnoreCase:
		return strings.Contains(strings.ToLower(tagValue), strings.ToLower(literal)), nil
	case OpNotContainsIgnoreCase:
		return !strings.Contains(strings.ToLower(tagValue), strings.ToLower(literal)), nil
	case OpExactIgnoreCase:
		return strings.EqualFold(tagValue, literal), nil
	}
	return false, fmt.Errorf("operator %s is not applicable to strings", op)
}
