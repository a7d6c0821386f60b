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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draw-rt/draw-client/internal/catalog"
	"github.com/draw-rt/draw-client/internal/dicomfile"
)

func TestNeedsDecode(t *testing.T) {
	cases := []struct {
		name string
		cfg  catalog.SCPConfiguration
		want bool
	}{
		{"flat sop_uid", catalog.SCPConfiguration{StorageLayout: catalog.LayoutFlat, FilenameConvention: catalog.FilenameSOPUID}, false},
		{"flat sequential", catalog.SCPConfiguration{StorageLayout: catalog.LayoutFlat, FilenameConvention: catalog.FilenameSequential}, false},
		{"flat timestamp", catalog.SCPConfiguration{StorageLayout: catalog.LayoutFlat, FilenameConvention: catalog.FilenameTimestamp}, false},
		{"flat instance number", catalog.SCPConfiguration{StorageLayout: catalog.LayoutFlat, FilenameConvention: catalog.FilenameInstanceNumber}, true},
		{"by series", catalog.SCPConfiguration{StorageLayout: catalog.LayoutBySeries, FilenameConvention: catalog.FilenameSOPUID}, true},
		{"flat validated", catalog.SCPConfiguration{StorageLayout: catalog.LayoutFlat, FilenameConvention: catalog.FilenameSOPUID, ValidateDicomOnReceive: true}, true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, needsDecode(&c.cfg), c.name)
	}
}

func TestDestDirLayouts(t *testing.T) {
	meta := &dicomfile.Metadata{
		PatientID: "PAT 001/A",
		StudyUID:  "1.2.3.4",
		SeriesUID: "1.2.3",
	}
	at := time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)
	cases := []struct {
		layout catalog.StorageLayout
		want   string
	}{
		{catalog.LayoutFlat, "root"},
		{catalog.LayoutByPatient, filepath.Join("root", "PAT_001_A")},
		{catalog.LayoutByStudy, filepath.Join("root", "1.2.3.4")},
		{catalog.LayoutBySeries, filepath.Join("root", "PAT_001_A", "1.2.3.4", "1.2.3")},
		{catalog.LayoutByDate, filepath.Join("root", "2024", "03", "09")},
	}
	for _, c := range cases {
		cfg := &catalog.SCPConfiguration{StorageRoot: "root", StorageLayout: c.layout}
		require.Equal(t, c.want, destDir(cfg, meta, at), string(c.layout))
	}
}

func TestFileNames(t *testing.T) {
	at := time.Date(2024, 3, 9, 10, 30, 5, 123456000, time.UTC)
	meta := &dicomfile.Metadata{InstanceNumber: "17"}
	n := &fileNamer{}

	cfg := &catalog.SCPConfiguration{FilenameConvention: catalog.FilenameSOPUID}
	require.Equal(t, "1.2.3.dcm", n.fileName(cfg, meta, "1.2.3", at))

	cfg.FilenameConvention = catalog.FilenameInstanceNumber
	require.Equal(t, "0017.dcm", n.fileName(cfg, meta, "1.2.3", at))
	// Unparsable instance numbers fall back to the SOP UID.
	require.Equal(t, "1.2.3.dcm", n.fileName(cfg, &dicomfile.Metadata{InstanceNumber: "x"}, "1.2.3", at))

	cfg.FilenameConvention = catalog.FilenameTimestamp
	require.Equal(t, "20240309_103005_123456.dcm", n.fileName(cfg, meta, "1.2.3", at))

	cfg.FilenameConvention = catalog.FilenameSequential
	require.Equal(t, "000001.dcm", n.fileName(cfg, meta, "1.2.3", at))
	require.Equal(t, "000002.dcm", n.fileName(cfg, meta, "1.2.3", at))
}

func TestCleanupDeletesOldestFirst(t *testing.T) {
	root := t.TempDir()
	old1 := writeStorageFile(t, root, "a/old1.dcm", 10)
	old2 := writeStorageFile(t, root, "a/old2.dcm", 10)
	fresh := writeStorageFile(t, root, "b/fresh.dcm", 10)
	note := writeStorageFile(t, root, "a/readme.txt", 10)

	now := time.Now()
	require.NoError(t, os.Chtimes(old1, now.Add(-72*time.Hour), now.Add(-72*time.Hour)))
	require.NoError(t, os.Chtimes(old2, now.Add(-48*time.Hour), now.Add(-48*time.Hour)))

	// Target satisfied by the single oldest file.
	res, err := cleanupStorage(root, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, cleanupResult{Deleted: 1, FreedBytes: 10}, res)
	require.NoFileExists(t, old1)
	require.FileExists(t, old2)
	require.FileExists(t, fresh)
	require.FileExists(t, note) // only .dcm files are reaped
}

func TestCleanupRemovesEmptiedDirs(t *testing.T) {
	root := t.TempDir()
	old := writeStorageFile(t, root, "x/y/old.dcm", 10)
	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-72*time.Hour), now.Add(-72*time.Hour)))

	res, err := cleanupStorage(root, now.Add(-24*time.Hour), 1<<20)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.NoDirExists(t, filepath.Join(root, "x"))
	require.DirExists(t, root)
}

func TestCleanupNothingEligible(t *testing.T) {
	root := t.TempDir()
	writeStorageFile(t, root, "fresh.dcm", 10)

	res, err := cleanupStorage(root, time.Now().Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, cleanupResult{}, res)
}
