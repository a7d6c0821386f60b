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
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SystemConfiguration is the pipeline singleton (id fixed to 1). Bearer and
// refresh tokens are stored encrypted; the Store transparently seals and
// opens them.
type SystemConfiguration struct {
	ID                    int64          `db:"id"`
	BaseURL               string         `db:"base_url"` // must end with "/"
	ClientID              string         `db:"client_id"`
	UploadEndpoint        string         `db:"upload_endpoint"`
	StatusEndpoint        string         `db:"status_endpoint"`   // contains {task_id}
	DownloadEndpoint      string         `db:"download_endpoint"` // contains {task_id}
	NotifyEndpoint        string         `db:"notify_endpoint"`   // contains {task_id}
	TokenRefreshEndpoint  string         `db:"token_refresh_endpoint"`
	BearerToken           string         `db:"-"`
	RefreshToken          string         `db:"-"`
	SealedBearerToken     sql.NullString `db:"bearer_token_enc"`
	SealedRefreshToken    sql.NullString `db:"refresh_token_enc"`
	TokenExpiry           sql.NullTime   `db:"token_expiry"`
	IngestRoot            string         `db:"ingest_root"`
	DataPullStart         time.Time      `db:"data_pull_start"`
	StudyDateFiltering    bool           `db:"study_date_filtering"`
}

// Validate enforces the invariants required before any pipeline stage may
// use the configuration.
func (c *SystemConfiguration) Validate() error {
	if c.BaseURL == "" || !strings.HasSuffix(c.BaseURL, "/") {
		return fmt.Errorf("%w: base_url must be set and end with '/'", ErrConfigurationMissing)
	}
	for name, ep := range map[string]string{
		"status_endpoint":   c.StatusEndpoint,
		"download_endpoint": c.DownloadEndpoint,
		"notify_endpoint":   c.NotifyEndpoint,
	} {
		if !strings.Contains(ep, "{task_id}") {
			return fmt.Errorf("%w: %s must contain {task_id}", ErrConfigurationMissing, name)
		}
	}
	if c.UploadEndpoint == "" || c.TokenRefreshEndpoint == "" {
		return fmt.Errorf("%w: upload and token refresh endpoints must be set", ErrConfigurationMissing)
	}
	if c.IngestRoot == "" {
		return fmt.Errorf("%w: ingest_root must be set", ErrConfigurationMissing)
	}
	return nil
}

var aeTitleRe = regexp.MustCompile(`^[A-Z0-9_-]{1,16}$`)

// SCPConfiguration is the DICOM SCP singleton (id fixed to 1).
type SCPConfiguration struct {
	ID               int64  `db:"id"`
	AETitle          string `db:"ae_title"`
	BindHost         string `db:"bind_host"`
	Port             int    `db:"port"`
	MaxAssociations  int    `db:"max_associations"`
	MaxPDUSize       uint32 `db:"max_pdu_size"`
	NetworkTimeout   int    `db:"network_timeout_s"`
	ACSETimeout      int    `db:"acse_timeout_s"`
	DIMSETimeout     int    `db:"dimse_timeout_s"`

	EnableCTStorage        bool `db:"enable_ct_storage"`
	EnableMRStorage        bool `db:"enable_mr_storage"`
	EnableRTStructStorage  bool `db:"enable_rtstruct_storage"`
	EnableRTPlanStorage    bool `db:"enable_rtplan_storage"`
	EnableRTDoseStorage    bool `db:"enable_rtdose_storage"`
	EnableSecondaryCapture bool `db:"enable_secondary_capture"`

	EnableImplicitVRLE bool `db:"enable_implicit_vr_le"`
	EnableExplicitVRLE bool `db:"enable_explicit_vr_le"`
	EnableExplicitVRBE bool `db:"enable_explicit_vr_be"`

	StorageRoot        string             `db:"storage_root"`
	StorageLayout      StorageLayout      `db:"storage_layout"`
	FilenameConvention FilenameConvention `db:"filename_convention"`
	MaxStorageGB       float64            `db:"max_storage_gb"`
	CleanupEnabled     bool               `db:"cleanup_enabled"`
	RetentionDays      int                `db:"retention_days"`

	ValidateCallingAE bool           `db:"validate_calling_ae"`
	ValidateCallingIP bool           `db:"validate_calling_ip"`
	IPAllowList       pq.StringArray `db:"ip_allow_list"` // plain IPs or CIDRs

	EnableCEcho  bool `db:"enable_c_echo"`
	EnableCStore bool `db:"enable_c_store"`
	EnableCFind  bool `db:"enable_c_find"`
	EnableCMove  bool `db:"enable_c_move"`
	EnableCGet   bool `db:"enable_c_get"`

	ValidateDicomOnReceive bool   `db:"validate_dicom_on_receive"`
	RejectInvalidDicom     bool   `db:"reject_invalid_dicom"`
	MaxQueryResults        int    `db:"max_query_results"`
	LogLevel               string `db:"log_level"`
}

// Validate enforces SCP invariants before the server may bind.
func (c *SCPConfiguration) Validate() error {
	if !aeTitleRe.MatchString(c.AETitle) {
		return fmt.Errorf("%w: AE title must be 1..16 chars of [A-Z0-9_-]", ErrConfigurationMissing)
	}
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be in 1024..65535", ErrConfigurationMissing)
	}
	if !c.EnableImplicitVRLE && !c.EnableExplicitVRLE && !c.EnableExplicitVRBE {
		return fmt.Errorf("%w: at least one transfer syntax must be enabled", ErrConfigurationMissing)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("%w: storage_root must be set", ErrConfigurationMissing)
	}
	if c.MaxAssociations <= 0 {
		return fmt.Errorf("%w: max_associations must be positive", ErrConfigurationMissing)
	}
	return nil
}

// QueryResultCap returns the effective C-FIND result cap.
func (c *SCPConfiguration) QueryResultCap() int {
	if c.MaxQueryResults > 0 {
		return c.MaxQueryResults
	}
	return 10000
}
