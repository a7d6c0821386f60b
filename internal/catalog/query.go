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

package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// QueryFilter carries the identifier-level C-FIND keys. Empty fields are
// universal matches; values may contain the DICOM wildcards '*' and '?';
// date fields additionally accept "YYYYMMDD-YYYYMMDD" ranges.
type QueryFilter struct {
	PatientID         string
	PatientName       string
	StudyUID          string
	AccessionNumber   string
	StudyDate         string
	StudyDescription  string
	SeriesUID         string
	Modality          string
	SeriesDescription string
	SOPInstanceUID    string
	Limit             int
}

// StudyResult is one STUDY-level C-FIND match with its patient identifiers.
type StudyResult struct {
	PatientID       string `db:"patient_id"`
	PatientName     string `db:"patient_name"`
	StudyUID        string `db:"study_uid"`
	StudyDate       string `db:"study_date"`
	Description     string `db:"description"`
	AccessionNumber string `db:"accession_number"`
	StudyID         string `db:"study_id"`
	Modality        string `db:"modality"`
}

// SeriesResult is one SERIES-level match.
type SeriesResult struct {
	PatientID     string `db:"patient_id"`
	StudyUID      string `db:"study_uid"`
	SeriesUID     string `db:"series_uid"`
	Modality      string `db:"modality"`
	Description   string `db:"description"`
	SeriesDate    string `db:"series_date"`
	InstanceCount int    `db:"instance_count"`
}

// InstanceResult is one IMAGE-level match; FilePath feeds C-MOVE/C-GET.
type InstanceResult struct {
	PatientID      string `db:"patient_id"`
	StudyUID       string `db:"study_uid"`
	SeriesUID      string `db:"series_uid"`
	SOPInstanceUID string `db:"sop_instance_uid"`
	FilePath       string `db:"file_path"`
}

var dateRangeRe = regexp.MustCompile(`^(\d{8})-(\d{8})$`)

// wildcardCond appends one SQL condition for a DICOM string key. '*' and '?'
// become case-insensitive LIKE wildcards.
func wildcardCond(conds *[]string, args *[]interface{}, column, value string) {
	if value == "" {
		return
	}
	if strings.ContainsAny(value, "*?") {
		like := strings.NewReplacer("%", `\%`, "_", `\_`, "*", "%", "?", "_").Replace(value)
		*args = append(*args, like)
		*conds = append(*conds, fmt.Sprintf("%s ILIKE $%d", column, len(*args)))
		return
	}
	*args = append(*args, value)
	*conds = append(*conds, fmt.Sprintf("%s = $%d", column, len(*args)))
}

// dateCond handles exact values, wildcards and YYYYMMDD-YYYYMMDD ranges.
// Dates are stored as fixed-width YYYYMMDD text, so range bounds compare
// lexically.
func dateCond(conds *[]string, args *[]interface{}, column, value string) {
	if value == "" {
		return
	}
	if m := dateRangeRe.FindStringSubmatch(value); m != nil {
		*args = append(*args, m[1])
		*conds = append(*conds, fmt.Sprintf("%s >= $%d", column, len(*args)))
		*args = append(*args, m[2])
		*conds = append(*conds, fmt.Sprintf("%s <= $%d", column, len(*args)))
		return
	}
	wildcardCond(conds, args, column, value)
}

func buildWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func capLimit(limit int) int {
	if limit <= 0 {
		return 10000
	}
	return limit
}

// FindPatients answers PATIENT-level queries.
func (s *Store) FindPatients(ctx context.Context, f QueryFilter) ([]*Patient, error) {
	var conds []string
	var args []interface{}
	wildcardCond(&conds, &args, "patient_id", f.PatientID)
	wildcardCond(&conds, &args, "name", f.PatientName)
	q := `SELECT * FROM patients` + buildWhere(conds) +
		fmt.Sprintf(" ORDER BY id LIMIT %d", capLimit(f.Limit))
	var out []*Patient
	err := s.db.SelectContext(ctx, &out, q, args...)
	return out, err
}

// FindStudies answers STUDY-level queries.
func (s *Store) FindStudies(ctx context.Context, f QueryFilter) ([]*StudyResult, error) {
	var conds []string
	var args []interface{}
	wildcardCond(&conds, &args, "p.patient_id", f.PatientID)
	wildcardCond(&conds, &args, "p.name", f.PatientName)
	wildcardCond(&conds, &args, "st.study_uid", f.StudyUID)
	wildcardCond(&conds, &args, "st.accession_number", f.AccessionNumber)
	wildcardCond(&conds, &args, "st.description", f.StudyDescription)
	dateCond(&conds, &args, "st.study_date", f.StudyDate)
	q := `
		SELECT p.patient_id, p.name AS patient_name, st.study_uid, st.study_date,
			st.description, st.accession_number, st.study_id, st.modality
		FROM studies st JOIN patients p ON p.id = st.patient_fk` +
		buildWhere(conds) + fmt.Sprintf(" ORDER BY st.id LIMIT %d", capLimit(f.Limit))
	var out []*StudyResult
	err := s.db.SelectContext(ctx, &out, q, args...)
	return out, err
}

// FindSeries answers SERIES-level queries.
func (s *Store) FindSeries(ctx context.Context, f QueryFilter) ([]*SeriesResult, error) {
	var conds []string
	var args []interface{}
	wildcardCond(&conds, &args, "p.patient_id", f.PatientID)
	wildcardCond(&conds, &args, "st.study_uid", f.StudyUID)
	wildcardCond(&conds, &args, "se.series_uid", f.SeriesUID)
	wildcardCond(&conds, &args, "se.modality", f.Modality)
	wildcardCond(&conds, &args, "se.description", f.SeriesDescription)
	dateCond(&conds, &args, "se.series_date", f.StudyDate)
	q := `
		SELECT p.patient_id, st.study_uid, se.series_uid, se.modality,
			se.description, se.series_date, se.instance_count
		FROM series se
		JOIN studies st ON st.id = se.study_fk
		JOIN patients p ON p.id = st.patient_fk` +
		buildWhere(conds) + fmt.Sprintf(" ORDER BY se.id LIMIT %d", capLimit(f.Limit))
	var out []*SeriesResult
	err := s.db.SelectContext(ctx, &out, q, args...)
	return out, err
}

// FindInstances answers IMAGE-level queries and drives C-MOVE/C-GET
// sub-operation enumeration.
func (s *Store) FindInstances(ctx context.Context, f QueryFilter) ([]*InstanceResult, error) {
	var conds []string
	var args []interface{}
	wildcardCond(&conds, &args, "p.patient_id", f.PatientID)
	wildcardCond(&conds, &args, "st.study_uid", f.StudyUID)
	wildcardCond(&conds, &args, "se.series_uid", f.SeriesUID)
	wildcardCond(&conds, &args, "i.sop_instance_uid", f.SOPInstanceUID)
	q := `
		SELECT p.patient_id, st.study_uid, se.series_uid, i.sop_instance_uid, i.file_path
		FROM instances i
		JOIN series se ON se.id = i.series_fk
		JOIN studies st ON st.id = se.study_fk
		JOIN patients p ON p.id = st.patient_fk` +
		buildWhere(conds) + fmt.Sprintf(" ORDER BY i.id LIMIT %d", capLimit(f.Limit))
	var out []*InstanceResult
	err := s.db.SelectContext(ctx, &out, q, args...)
	return out, err
}
