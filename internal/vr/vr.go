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

// Package vr implements DICOM Value Representation semantics for the rule
// engine: literal format validation per VR code, VR/operator compatibility
// and the comparison functions used when matching series metadata against
// operator-authored rules.
package vr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Category groups VR codes by the operator families they admit.
type Category int

const (
	CategoryNumeric Category = iota
	CategoryString
	CategoryDateTime
	CategorySpecial
)

func (c Category) String() string {
	switch c {
	case CategoryNumeric:
		return "NUMERIC"
	case CategoryString:
		return "STRING"
	case CategoryDateTime:
		return "DATETIME"
	default:
		return "SPECIAL"
	}
}

var categories = map[string]Category{
	"FL": CategoryNumeric, "FD": CategoryNumeric, "SL": CategoryNumeric,
	"SS": CategoryNumeric, "UL": CategoryNumeric, "US": CategoryNumeric,
	"IS": CategoryNumeric, "DS": CategoryNumeric,

	"AE": CategoryString, "CS": CategoryString, "LO": CategoryString,
	"LT": CategoryString, "PN": CategoryString, "SH": CategoryString,
	"ST": CategoryString, "UT": CategoryString, "UI": CategoryString,

	"DA": CategoryDateTime, "DT": CategoryDateTime, "TM": CategoryDateTime,
}

// CategoryOf returns the category for a VR code. Unknown codes are SPECIAL.
func CategoryOf(vr string) Category {
	if c, ok := categories[strings.ToUpper(vr)]; ok {
		return c
	}
	return CategorySpecial
}

var (
	reAS = regexp.MustCompile(`^\d{3}[DWMY]$`)
	reAT = regexp.MustCompile(`^\([0-9A-Fa-f]{4},[0-9A-Fa-f]{4}\)$`)
	reCS = regexp.MustCompile(`^[A-Za-z0-9 _]*$`)
	reDS = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	reDT = regexp.MustCompile(`^\d{4}(\d{2}(\d{2}(\d{2}(\d{2}(\d{2}(\.\d{1,6})?)?)?)?)?)?([+-]\d{4})?$`)
	reTM = regexp.MustCompile(`^\d{2}(\d{2}(\d{2}(\.\d{1,6})?)?)?$`)
	reUI = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

type validatorFunc func(s string) error

// validators is the per-VR literal format table. Dispatch by VR code replaces
// the dynamic per-VR method lookup the DICOM standard implies.
var validators = map[string]validatorFunc{
	"AE": validateAE,
	"AS": regexValidator(reAS, "expected nnnD|W|M|Y", 4, 4),
	"AT": regexValidator(reAT, "expected (gggg,eeee)", 0, 11),
	"CS": validateCS,
	"DA": validateDA,
	"DS": validateDS,
	"DT": validateDT,
	"FL": validateFL,
	"FD": validateFD,
	"IS": validateIS,
	"LO": maxLenNoBackslash(64),
	"LT": maxLen(10240),
	"PN": validatePN,
	"SH": maxLenNoBackslash(16),
	"SL": intValidator(math.MinInt32, math.MaxInt32),
	"SS": intValidator(math.MinInt16, math.MaxInt16),
	"ST": maxLen(1024),
	"TM": validateTM,
	"UI": validateUI,
	"UL": uintValidator(math.MaxUint32),
	"US": uintValidator(math.MaxUint16),
	"UT": validateUT,
}

// Validate checks that a rule literal is well-formed for the given VR code.
// Unknown VR codes only get a length cap.
func Validate(vr, value string) error {
	if f, ok := validators[strings.ToUpper(vr)]; ok {
		if err := f(value); err != nil {
			return fmt.Errorf("VR %s: %w", strings.ToUpper(vr), err)
		}
		return nil
	}
	if len(value) > 1024 {
		return fmt.Errorf("VR %s: value exceeds 1024 characters", vr)
	}
	return nil
}

func maxLen(n int) validatorFunc {
	return func(s string) error {
		if len(s) > n {
			return fmt.Errorf("value exceeds %d characters", n)
		}
		return nil
	}
}

func maxLenNoBackslash(n int) validatorFunc {
	return func(s string) error {
		if len(s) > n {
			return fmt.Errorf("value exceeds %d characters", n)
		}
		if strings.ContainsRune(s, '\\') {
			return fmt.Errorf("value must not contain backslash")
		}
		return nil
	}
}

func regexValidator(re *regexp.Regexp, hint string, minLen, maxLen int) validatorFunc {
	return func(s string) error {
		if minLen > 0 && len(s) < minLen {
			return fmt.Errorf("value too short, %s", hint)
		}
		if maxLen > 0 && len(s) > maxLen {
			return fmt.Errorf("value too long, %s", hint)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("malformed value, %s", hint)
		}
		return nil
	}
}

func validateAE(s string) error {
	if len(s) > 16 {
		return fmt.Errorf("AE title exceeds 16 characters")
	}
	if strings.ContainsRune(s, '\\') {
		return fmt.Errorf("AE title must not contain backslash")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("AE title must not contain control characters")
		}
	}
	return nil
}

func validateCS(s string) error {
	if len(s) > 16 {
		return fmt.Errorf("value exceeds 16 characters")
	}
	if !reCS.MatchString(s) {
		return fmt.Errorf("only letters, digits, space and underscore allowed")
	}
	return nil
}

func validateDA(s string) error {
	if len(s) != 8 {
		return fmt.Errorf("expected YYYYMMDD")
	}
	if _, err := time.Parse("20060102", s); err != nil {
		return fmt.Errorf("not a valid calendar date")
	}
	return nil
}

func validateDS(s string) error {
	if len(s) > 16 {
		return fmt.Errorf("value exceeds 16 characters")
	}
	if !reDS.MatchString(s) {
		return fmt.Errorf("not a valid decimal string")
	}
	return nil
}

func validateDT(s string) error {
	if len(s) > 26 {
		return fmt.Errorf("value exceeds 26 characters")
	}
	if !reDT.MatchString(s) {
		return fmt.Errorf("not a valid datetime string")
	}
	return nil
}

func validateFL(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if math.Abs(v) > math.MaxFloat32 {
		return fmt.Errorf("out of single-precision range")
	}
	return nil
}

func validateFD(s string) error {
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("not a number")
	}
	return nil
}

func validateIS(s string) error {
	if len(s) > 12 {
		return fmt.Errorf("value exceeds 12 characters")
	}
	if _, err := strconv.ParseInt(s, 10, 32); err != nil {
		return fmt.Errorf("not a 32-bit integer")
	}
	return nil
}

func validatePN(s string) error {
	if strings.ContainsRune(s, '\\') {
		return fmt.Errorf("value must not contain backslash")
	}
	// Component groups are delimited by '=', components within by '^'. Each
	// group is capped at 64 characters.
	for _, group := range strings.Split(s, "=") {
		if len(group) > 64 {
			return fmt.Errorf("component group exceeds 64 characters")
		}
	}
	return nil
}

func validateTM(s string) error {
	if len(s) > 16 {
		return fmt.Errorf("value exceeds 16 characters")
	}
	if !reTM.MatchString(s) {
		return fmt.Errorf("not a valid time string")
	}
	return nil
}

func validateUI(s string) error {
	if len(s) > 64 {
		return fmt.Errorf("UID exceeds 64 characters")
	}
	if s != "" && !reUI.MatchString(s) {
		return fmt.Errorf("UID must be dot-separated numeric components")
	}
	return nil
}

func validateUT(s string) error {
	if uint64(len(s)) > math.MaxUint32-1 {
		return fmt.Errorf("value too large")
	}
	return nil
}

func intValidator(min, max int64) validatorFunc {
	return func(s string) error {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer")
		}
		if v < min || v > max {
			return fmt.Errorf("out of range [%d, %d]", min, max)
		}
		return nil
	}
}

func uintValidator(max uint64) validatorFunc {
	return func(s string) error {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("not an unsigned integer")
		}
		if v > max {
			return fmt.Errorf("out of range [0, %d]", max)
		}
		return nil
	}
}
