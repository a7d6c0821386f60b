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

// Package catalog is the persisted state of the client: the DICOM entity
// hierarchy, rule definitions, export/import bookkeeping, SCP configuration
// and transaction log, and the chain lock. All durable pipeline state lives
// here; no stage carries in-memory state across runs.
package catalog

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Patient is created on first sight of any instance bearing its PatientID.
type Patient struct {
	ID             int64     `db:"id"`
	PatientID      string    `db:"patient_id"`
	DeidentifiedID string    `db:"deidentified_id"`
	Name           string    `db:"name"`
	Sex            string    `db:"sex"`
	BirthDate      string    `db:"birth_date"` // YYYYMMDD, may be empty
	CreatedAt      time.Time `db:"created_at"`
}

type Study struct {
	ID                    int64  `db:"id"`
	PatientID             int64  `db:"patient_fk"`
	StudyUID              string `db:"study_uid"`
	DeidentifiedStudyUID  string `db:"deidentified_study_uid"`
	StudyDate             string `db:"study_date"`
	Description           string `db:"description"`
	Modality              string `db:"modality"`
	AccessionNumber       string `db:"accession_number"`
	StudyID               string `db:"study_id"`
}

type Series struct {
	ID                       int64          `db:"id"`
	StudyID                  int64          `db:"study_fk"`
	SeriesUID                string         `db:"series_uid"`
	DeidentifiedSeriesUID    string         `db:"deidentified_series_uid"`
	FrameOfReferenceUID      string         `db:"frame_of_reference_uid"`
	DeidentifiedFrameOfRefUID string        `db:"deidentified_frame_of_reference_uid"`
	RootPath                 string         `db:"root_path"`
	Description              string         `db:"description"`
	SeriesDate               string         `db:"series_date"`
	Modality                 string         `db:"modality"`
	InstanceCount            int            `db:"instance_count"`
	FullyRead                bool           `db:"fully_read"`
	FullyReadAt              sql.NullTime   `db:"fully_read_at"`
	LastSeenCount            int            `db:"last_seen_count"`
	LastSeenMaxMtime         sql.NullTime   `db:"last_seen_max_mtime"`
	LastScanAt               sql.NullTime   `db:"last_scan_at"`
	ProcessingStatus         sql.NullString `db:"processing_status"`
	MatchedRuleSets          pq.StringArray `db:"matched_rulesets"`
	MatchedTemplates         pq.StringArray `db:"matched_templates"`
}

// Status returns the processing status, or empty when the series has not yet
// been marked fully read.
func (s *Series) Status() ProcessingStatus {
	if !s.ProcessingStatus.Valid {
		return ""
	}
	return ProcessingStatus(s.ProcessingStatus.String)
}

type Instance struct {
	ID                 int64  `db:"id"`
	SeriesID           int64  `db:"series_fk"`
	SOPInstanceUID     string `db:"sop_instance_uid"`
	DeidentifiedSOPUID string `db:"deidentified_sop_instance_uid"`
	FilePath           string `db:"file_path"`
}

// DicomTagType is a catalog-registered DICOM tag usable in rules.
type DicomTagType struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	TagID       string `db:"tag_id"` // "(gggg,eeee)"
	Description string `db:"description"`
	VR          string `db:"value_representation"`
}

// RuleGroup -> RuleSet -> Rule is the operator-authored matching tree. A
// RuleGroup references the autosegmentation template to request when it
// matches.
type RuleGroup struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	TemplateName string `db:"template_name"`
	IsActive     bool   `db:"is_active"`
	RuleSets     []*RuleSet
}

type RuleSet struct {
	ID          int64      `db:"id"`
	RuleGroupID int64      `db:"rule_group_fk"`
	Name        string     `db:"name"`
	Combinator  Combinator `db:"combinator"` // joins with the next ruleset
	Position    int        `db:"position"`
	Rules       []*Rule
}

type Rule struct {
	ID         int64      `db:"id"`
	RuleSetID  int64      `db:"rule_set_fk"`
	TagTypeID  int64      `db:"tag_type_fk"`
	TagName    string     `db:"tag_name"`
	TagID      string     `db:"tag_id"`
	VR         string     `db:"value_representation"`
	Operator   string     `db:"operator"`
	Value      string     `db:"value"`
	Combinator Combinator `db:"combinator"` // joins with the next rule
	Position   int        `db:"position"`
}

type Export struct {
	ID                    int64          `db:"id"`
	SeriesID              int64          `db:"series_fk"`
	ZipPath               string         `db:"zip_path"`
	ZipSHA256             string         `db:"zip_sha256"`
	TransferStatus        TransferStatus `db:"transfer_status"`
	TransferredAt         sql.NullTime   `db:"transferred_at"`
	ServerTaskID          sql.NullString `db:"server_task_id"`
	ServerSegmentation    sql.NullString `db:"server_segmentation_status"`
	ServerStatusUpdatedAt sql.NullTime   `db:"server_status_updated_at"`
	CreatedAt             time.Time      `db:"created_at"`
}

type Import struct {
	ID                int64          `db:"id"`
	SeriesID          int64          `db:"series_fk"`
	ExportID          int64          `db:"export_fk"`
	ReceivedSOPUID    string         `db:"received_sop_instance_uid"`
	DownloadedPath    string         `db:"downloaded_path"`
	ReceivedSHA256    string         `db:"received_sha256"`
	ReceivedAt        time.Time      `db:"received_at"`
	ReidentifiedPath  sql.NullString `db:"reidentified_path"`
	ReidentifiedAt    sql.NullTime   `db:"reidentified_at"`
	AssessorName      sql.NullString `db:"assessor_name"`
	DateReviewed      sql.NullTime   `db:"date_reviewed"`
	TimeRequiredMin   sql.NullInt64  `db:"time_required_minutes"`
	OverallRating     sql.NullInt64  `db:"overall_rating"` // 0..10
}

// VOI is one named region of interest extracted from a reidentified RT
// Structure Set.
type VOI struct {
	ID                int64          `db:"id"`
	ImportID          int64          `db:"import_fk"`
	VolumeName        string         `db:"volume_name"`
	ModificationClass sql.NullString `db:"modification_class"`
	ModificationTypes pq.StringArray `db:"modification_types"`
	Comments          sql.NullString `db:"comments"`
}

// RemoteDicomNode is a peer AE this SCP knows about; C-MOVE destinations are
// resolved against active rows with AllowIncoming set.
type RemoteDicomNode struct {
	ID                   int64        `db:"id"`
	AETitle              string       `db:"ae_title"`
	Host                 string       `db:"host"`
	Port                 int          `db:"port"`
	AllowIncoming        bool         `db:"allow_incoming"`
	IsActive             bool         `db:"is_active"`
	LastIncomingAt       sql.NullTime `db:"last_incoming_at"`
	LastSuccessfulPushAt sql.NullTime `db:"last_successful_outgoing_at"`
}

// Transaction is one append-only SCP transaction-log row.
type Transaction struct {
	ID              int64             `db:"id"`
	Type            TransactionType   `db:"type"`
	Status          TransactionStatus `db:"status"`
	CallingAE       string            `db:"calling_ae"`
	CalledAE        string            `db:"called_ae"`
	RemoteIP        string            `db:"remote_ip"`
	RemotePort      int               `db:"remote_port"`
	PatientID       string            `db:"patient_id"`
	StudyUID        string            `db:"study_uid"`
	SeriesUID       string            `db:"series_uid"`
	SOPInstanceUID  string            `db:"sop_instance_uid"`
	SOPClassUID     string            `db:"sop_class_uid"`
	FilePath        string            `db:"file_path"`
	FileSize        int64             `db:"file_size"`
	TransferSyntax  string            `db:"transfer_syntax"`
	DurationSeconds float64           `db:"duration_s"`
	SpeedMbps       float64           `db:"transfer_speed_mbps"`
	Error           string            `db:"error"`
	Timestamp       time.Time         `db:"timestamp"`
}

// ServiceStatus is the SCP runtime singleton (id fixed to 1).
type ServiceStatus struct {
	ID                    int64        `db:"id"`
	IsRunning             bool         `db:"is_running"`
	PID                   int          `db:"pid"`
	StartedAt             sql.NullTime `db:"started_at"`
	StoppedAt             sql.NullTime `db:"stopped_at"`
	TotalConnections      int64        `db:"total_connections"`
	ActiveConnections     int64        `db:"active_connections"`
	TotalFilesReceived    int64        `db:"total_files_received"`
	TotalBytesReceived    int64        `db:"total_bytes_received"`
	TotalErrors           int64        `db:"total_errors"`
	LastConnectionAt      sql.NullTime `db:"last_connection_at"`
	LastFileReceivedAt    sql.NullTime `db:"last_file_received_at"`
	CachedStorageBytes    int64        `db:"cached_storage_bytes"`
	CachedStorageUpdated  sql.NullTime `db:"cached_storage_updated_at"`
}

// ChainLock serializes orchestrator chains. At most one unexpired row per
// name exists; an expired row may be reclaimed in place.
type ChainLock struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	ChainID   string    `db:"chain_id"`
	StartedAt time.Time `db:"started_at"`
	StartedBy string    `db:"started_by"`
	ExpiresAt time.Time `db:"expires_at"`
	Status    string    `db:"status"`
}

// StatisticsSample is an append-only statistics datapoint.
type StatisticsSample struct {
	ID        int64     `db:"id"`
	Name      string    `db:"parameter_name"`
	Value     float64   `db:"parameter_value"`
	CreatedAt time.Time `db:"created_at"`
}
