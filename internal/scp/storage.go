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

package scp

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
	"github.com/draw-rt/draw-client/internal/reident"
)

// needsDecode reports whether a C-STORE must parse the dataset before it can
// derive the destination path or validate the file. The flat layout with a
// metadata-free filename writes the received bytes straight to disk.
func needsDecode(cfg *catalog.SCPConfiguration) bool {
	return cfg.StorageLayout != catalog.LayoutFlat ||
		cfg.FilenameConvention == catalog.FilenameInstanceNumber ||
		cfg.ValidateDicomOnReceive
}

// destDir derives the destination directory for one stored instance. meta is
// nil only for the flat layout.
func destDir(cfg *catalog.SCPConfiguration, meta *dicomfile.Metadata, at time.Time) string {
	switch cfg.StorageLayout {
	case catalog.LayoutByPatient:
		return filepath.Join(cfg.StorageRoot, reident.SanitizePatientID(meta.PatientID))
	case catalog.LayoutByStudy:
		return filepath.Join(cfg.StorageRoot, meta.StudyUID)
	case catalog.LayoutBySeries:
		return filepath.Join(cfg.StorageRoot,
			reident.SanitizePatientID(meta.PatientID), meta.StudyUID, meta.SeriesUID)
	case catalog.LayoutByDate:
		return filepath.Join(cfg.StorageRoot, at.Format("2006"), at.Format("01"), at.Format("02"))
	default:
		return cfg.StorageRoot
	}
}

// fileNamer produces destination filenames; the sequential convention needs
// a process-wide counter.
type fileNamer struct {
	seq uint64
}

func (n *fileNamer) fileName(cfg *catalog.SCPConfiguration, meta *dicomfile.Metadata, sopInstanceUID string, at time.Time) string {
	switch cfg.FilenameConvention {
	case catalog.FilenameInstanceNumber:
		if meta != nil {
			if num, err := strconv.Atoi(strings.TrimSpace(meta.InstanceNumber)); err == nil {
				return fmt.Sprintf("%04d.dcm", num)
			}
		}
		return sopInstanceUID + ".dcm"
	case catalog.FilenameTimestamp:
		return fmt.Sprintf("%s_%06d.dcm", at.UTC().Format("20060102_150405"), at.Nanosecond()/1000)
	case catalog.FilenameSequential:
		return fmt.Sprintf("%06d.dcm", atomic.AddUint64(&n.seq, 1))
	default:
		return sopInstanceUID + ".dcm"
	}
}

type cleanupResult struct {
	Deleted    int
	FreedBytes int64
}

type agedFile struct {
	path  string
	size  int64
	mtime time.Time
}

// cleanupStorage deletes .dcm files older than cutoff, oldest first, until
// target bytes are freed, then removes directories the deletions emptied.
func cleanupStorage(root string, cutoff time.Time, target int64) (cleanupResult, error) {
	var res cleanupResult
	var candidates []agedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".dcm") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			candidates = append(candidates, agedFile{path: path, size: info.Size(), mtime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	for _, f := range candidates {
		if res.FreedBytes >= target {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		res.Deleted++
		res.FreedBytes += f.size
	}
	removeEmptyDirs(root)
	return res, nil
}

// removeEmptyDirs prunes empty directories under root, deepest first. The
// root itself is kept.
func removeEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
}
