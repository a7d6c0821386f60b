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

// Package reident restores original patient identity and UIDs in a received
// RT Structure Set and writes it back into the source series directory for
// oncologist review.
package reident

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yasushi-saito/go-dicom"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

// Values stamped on every reidentified structure set.
const (
	ReferringPhysician = "DRAW"
	AccessionNumber    = "202514789"
)

var (
	structuresExported = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_reident_rtstructs_exported_total",
		Help: "RT Structure Sets reidentified and written back.",
	})
	exportFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_reident_failures_total",
		Help: "Reidentification failures.",
	})
	uidMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "draw_reident_uid_map_misses_total",
		Help: "UID-bearing elements left untouched because no mapping existed.",
	})
)

// Catalog is the slice of the store the reidentifier uses.
type Catalog interface {
	ImportsAwaitingReidentify(ctx context.Context) ([]*catalog.Import, error)
	SeriesByID(ctx context.Context, id int64) (*catalog.Series, error)
	StudyForSeries(ctx context.Context, se *catalog.Series) (*catalog.Study, error)
	PatientForStudy(ctx context.Context, st *catalog.Study) (*catalog.Patient, error)
	InstancesForSeries(ctx context.Context, seriesID int64) ([]*catalog.Instance, error)
	MarkImportReidentified(ctx context.Context, importID int64, path string, at time.Time) error
	TransitionSeries(ctx context.Context, seriesID int64, to catalog.ProcessingStatus) error
	InsertVOIs(ctx context.Context, importID int64, names []string) error
}

type Reidentifier struct {
	logger  log.Logger
	catalog Catalog

	readDataSet  func(path string) (*dicom.DataSet, error)
	writeDataSet func(path string, ds *dicom.DataSet) error
	now          func() time.Time
}

func New(logger log.Logger, reg prometheus.Registerer, c Catalog) *Reidentifier {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(structuresExported, exportFailures, uidMisses)
	}
	return &Reidentifier{
		logger:       logger,
		catalog:      c,
		readDataSet:  dicomfile.ReadDataSet,
		writeDataSet: dicomfile.WriteDataSetToFile,
		now:          time.Now,
	}
}

// Stats summarizes one reidentify pass.
type Stats struct {
	Exported int
	Failed   int
}

// Run reidentifies every import awaiting it. A failure marks the series and
// leaves the downloaded file in place for a retried run.
func (r *Reidentifier) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	imports, err := r.catalog.ImportsAwaitingReidentify(ctx)
	if err != nil {
		return stats, err
	}
	for _, im := range imports {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := r.reidentify(ctx, im); err != nil {
			stats.Failed++
			exportFailures.Inc()
			level.Error(r.logger).Log("msg", "reidentify failed",
				"import_id", im.ID, "path", im.DownloadedPath, "err", err)
			if terr := r.catalog.TransitionSeries(ctx, im.SeriesID, catalog.StatusRTStructExportFailed); terr != nil {
				level.Warn(r.logger).Log("msg", "state update failed", "err", terr)
			}
			continue
		}
		stats.Exported++
		structuresExported.Inc()
	}
	return stats, nil
}

func (r *Reidentifier) reidentify(ctx context.Context, im *catalog.Import) error {
	se, err := r.catalog.SeriesByID(ctx, im.SeriesID)
	if err != nil {
		return err
	}
	st, err := r.catalog.StudyForSeries(ctx, se)
	if err != nil {
		return err
	}
	pat, err := r.catalog.PatientForStudy(ctx, st)
	if err != nil {
		return err
	}
	instances, err := r.catalog.InstancesForSeries(ctx, se.ID)
	if err != nil {
		return err
	}

	ds, err := r.readDataSet(im.DownloadedPath)
	if err != nil {
		return err
	}

	r.restoreIdentity(ds, pat, st, se)
	r.rewriteUIDs(ds, se, st, instances)

	out := filepath.Join(se.RootPath, fmt.Sprintf("RS_%s_DRAW_%s.dcm",
		SanitizePatientID(pat.PatientID), r.now().UTC().Format("20060102_150405")))
	if err := r.writeDataSet(out, ds); err != nil {
		return err
	}

	if err := r.catalog.MarkImportReidentified(ctx, im.ID, out, r.now()); err != nil {
		return err
	}
	if err := r.catalog.TransitionSeries(ctx, se.ID, catalog.StatusRTStructExported); err != nil {
		return err
	}

	var names []string
	for _, roi := range dicomfile.ROINames(ds) {
		names = append(names, roi.Name)
	}
	if err := r.catalog.InsertVOIs(ctx, im.ID, names); err != nil {
		return err
	}

	if err := os.Remove(im.DownloadedPath); err != nil && !os.IsNotExist(err) {
		level.Warn(r.logger).Log("msg", "removing downloaded file", "path", im.DownloadedPath, "err", err)
	}
	level.Info(r.logger).Log("msg", "rtstruct reidentified",
		"series_uid", se.SeriesUID, "path", out, "rois", len(names))
	return nil
}

// restoreIdentity writes the catalog originals back into the plain-text
// identifier tags. The structure set's own SeriesInstanceUID stays as the
// server issued it.
func (r *Reidentifier) restoreIdentity(ds *dicom.DataSet, pat *catalog.Patient, st *catalog.Study, se *catalog.Series) {
	dicomfile.SetString(ds, dicom.TagPatientID, pat.PatientID)
	dicomfile.SetString(ds, dicom.TagPatientName, pat.Name)
	dicomfile.SetString(ds, dicom.TagPatientBirthDate, pat.BirthDate)
	dicomfile.SetString(ds, dicom.TagPatientSex, pat.Sex)
	dicomfile.SetString(ds, dicom.TagStudyInstanceUID, st.StudyUID)
	dicomfile.SetString(ds, dicomfile.TagStudyDescription, st.Description)
	dicomfile.SetString(ds, dicomfile.TagStudyDate, st.StudyDate)
	dicomfile.SetString(ds, dicomfile.TagSeriesDescription, se.Description)
	dicomfile.SetString(ds, dicom.TagReferringPhysicianName, ReferringPhysician)
	dicomfile.SetString(ds, dicom.TagAccessionNumber, AccessionNumber)
}

// rewriteUIDs maps deidentified UIDs back to originals everywhere they occur
// in sequences. Frame-of-Reference tags are substituted outright with the
// catalog value; reference tags go through the deidentified->original map,
// with misses logged and left untouched.
func (r *Reidentifier) rewriteUIDs(ds *dicom.DataSet, se *catalog.Series, st *catalog.Study, instances []*catalog.Instance) {
	uidMap := map[string]string{}
	if se.DeidentifiedSeriesUID != "" {
		uidMap[se.DeidentifiedSeriesUID] = se.SeriesUID
	}
	if st.DeidentifiedStudyUID != "" {
		uidMap[st.DeidentifiedStudyUID] = st.StudyUID
	}
	for _, in := range instances {
		if in.DeidentifiedSOPUID != "" {
			uidMap[in.DeidentifiedSOPUID] = in.SOPInstanceUID
		}
	}

	_ = dicomfile.Walk(ds, func(e *dicom.Element) error {
		switch e.Tag {
		case dicomfile.TagFrameOfReference, dicomfile.TagReferencedFrameOfRefUID:
			if se.FrameOfReferenceUID != "" {
				e.Value = []interface{}{se.FrameOfReferenceUID}
			}
		case dicomfile.TagReferencedSOPInstanceUID, dicomfile.TagSeriesInstanceUID:
			old := dicomfile.ElementString(e)
			if old == "" {
				return nil
			}
			if orig, ok := uidMap[old]; ok {
				e.Value = []interface{}{orig}
			} else {
				uidMisses.Inc()
				level.Debug(r.logger).Log("msg", "uid not in map, left untouched",
					"tag", dicomfile.TagKey(e.Tag), "uid", old)
			}
		}
		return nil
	})
}

var nonIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
var underscoreRuns = regexp.MustCompile(`_+`)

// SanitizePatientID makes a patient id safe for use in a filename.
func SanitizePatientID(id string) string {
	s := nonIDChars.ReplaceAllString(id, "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "UNKNOWN"
	}
	return s
}
