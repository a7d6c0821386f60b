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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/draw-rt/draw-client/internal/vr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the catalog database. All pipeline and SCP state flows through
// it; per-entity writes are serialized by the database transactions below.
type Store struct {
	db  *sqlx.DB
	key *SecretKey
}

// Open connects to the catalog. key may be nil when token sealing is not
// needed (tests, read-only tooling).
func Open(dsn string, key *SecretKey) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to catalog: %w", err)
	}
	db.SetMaxOpenConns(16)
	return &Store{db: db, key: key}, nil
}

// NewWithDB wraps an existing connection (tests).
func NewWithDB(db *sqlx.DB, key *SecretKey) *Store {
	return &Store{db: db, key: key}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db.DB, "migrations")
}

//
// Patient / Study / Series / Instance upserts (ingest path).
//

func (s *Store) UpsertPatient(ctx context.Context, p *Patient) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO patients (patient_id, deidentified_id, name, sex, birth_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO UPDATE SET
			name = CASE WHEN patients.name = '' THEN EXCLUDED.name ELSE patients.name END,
			sex = CASE WHEN patients.sex = '' THEN EXCLUDED.sex ELSE patients.sex END,
			birth_date = CASE WHEN patients.birth_date = '' THEN EXCLUDED.birth_date ELSE patients.birth_date END
		RETURNING id`,
		p.PatientID, p.DeidentifiedID, p.Name, p.Sex, p.BirthDate).Scan(&id)
	return id, err
}

func (s *Store) UpsertStudy(ctx context.Context, st *Study) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO studies (patient_fk, study_uid, study_date, description, modality, accession_number, study_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (study_uid) DO UPDATE SET
			description = CASE WHEN studies.description = '' THEN EXCLUDED.description ELSE studies.description END
		RETURNING id`,
		st.PatientID, st.StudyUID, st.StudyDate, st.Description, st.Modality, st.AccessionNumber, st.StudyID).Scan(&id)
	return id, err
}

func (s *Store) UpsertSeries(ctx context.Context, se *Series) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO series (study_fk, series_uid, frame_of_reference_uid, root_path, description, series_date, modality)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (series_uid) DO UPDATE SET
			root_path = CASE WHEN series.root_path = '' THEN EXCLUDED.root_path ELSE series.root_path END
		RETURNING id`,
		se.StudyID, se.SeriesUID, se.FrameOfReferenceUID, se.RootPath, se.Description, se.SeriesDate, se.Modality).Scan(&id)
	return id, err
}

// UpsertInstance is a no-op when the file path was already ingested.
func (s *Store) UpsertInstance(ctx context.Context, in *Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (series_fk, sop_instance_uid, file_path)
		VALUES ($1, $2, $3)
		ON CONFLICT (sop_instance_uid) DO NOTHING`,
		in.SeriesID, in.SOPInstanceUID, in.FilePath)
	return err
}

//
// Series lifecycle.
//

func (s *Store) SeriesByUID(ctx context.Context, uid string) (*Series, error) {
	var se Series
	err := s.db.GetContext(ctx, &se, `SELECT * FROM series WHERE series_uid = $1`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &se, err
}

// SeriesByDeidentifiedUID resolves the original series for a returned RT
// Structure Set (invariant: the deidentified UID maps back to exactly one
// series).
func (s *Store) SeriesByDeidentifiedUID(ctx context.Context, uid string) (*Series, error) {
	var se Series
	err := s.db.GetContext(ctx, &se, `SELECT * FROM series WHERE deidentified_series_uid = $1`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &se, err
}

func (s *Store) SeriesByID(ctx context.Context, id int64) (*Series, error) {
	var se Series
	err := s.db.GetContext(ctx, &se, `SELECT * FROM series WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &se, err
}

func (s *Store) SeriesInStatus(ctx context.Context, status ProcessingStatus) ([]*Series, error) {
	var out []*Series
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM series WHERE processing_status = $1 AND fully_read ORDER BY id`, string(status))
	return out, err
}

// SeriesPendingStability returns fully-read candidates: series not yet marked
// fully read.
func (s *Store) SeriesPendingStability(ctx context.Context) ([]*Series, error) {
	var out []*Series
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM series WHERE NOT fully_read ORDER BY id`)
	return out, err
}

// RecordScanObservation stores this pass's instance count and max mtime for
// the stability decision.
func (s *Store) RecordScanObservation(ctx context.Context, seriesID int64, count int, maxMtime time.Time, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE series SET last_seen_count = $2, last_seen_max_mtime = $3, last_scan_at = $4
		WHERE id = $1`, seriesID, count, maxMtime, at)
	return err
}

// MarkSeriesFullyRead finalizes the stability decision: sets the actual
// count, the fully-read timestamp, and UNPROCESSED when no status is set yet.
func (s *Store) MarkSeriesFullyRead(ctx context.Context, seriesID int64, count int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE series SET
			fully_read = TRUE,
			fully_read_at = $3,
			instance_count = $2,
			processing_status = COALESCE(processing_status, 'UNPROCESSED')
		WHERE id = $1`, seriesID, count, at)
	return err
}

// TransitionSeries moves a series along the state DAG inside a transaction,
// rejecting edges the DAG does not contain.
func (s *Store) TransitionSeries(ctx context.Context, seriesID int64, to ProcessingStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var cur sql.NullString
	if err := tx.GetContext(ctx, &cur,
		`SELECT processing_status FROM series WHERE id = $1 FOR UPDATE`, seriesID); err != nil {
		return fmt.Errorf("loading series %d: %w", seriesID, err)
	}
	from := ProcessingStatus(cur.String)
	if cur.Valid && !CanTransition(from, to) {
		return fmt.Errorf("%w: series %d cannot move %s -> %s", ErrValidation, seriesID, from, to)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE series SET processing_status = $2 WHERE id = $1`, seriesID, string(to)); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetSeries is the explicit operator retry: back to UNPROCESSED with match
// bookkeeping cleared.
func (s *Store) ResetSeries(ctx context.Context, seriesID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE series SET processing_status = 'UNPROCESSED',
			matched_rulesets = '{}', matched_templates = '{}'
		WHERE id = $1`, seriesID)
	return err
}

// SetSeriesMatchOutcome persists the rule engine's decision.
func (s *Store) SetSeriesMatchOutcome(ctx context.Context, seriesID int64, status ProcessingStatus, rulesets, templates []string) error {
	if rulesets == nil {
		rulesets = []string{}
	}
	if templates == nil {
		templates = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE series SET processing_status = $2, matched_rulesets = $3, matched_templates = $4
		WHERE id = $1`, seriesID, string(status), pq.StringArray(rulesets), pq.StringArray(templates))
	return err
}

// SetSeriesDeidentifiedUIDs persists the fresh UID mapping minted during
// deidentification.
func (s *Store) SetSeriesDeidentifiedUIDs(ctx context.Context, seriesID int64, seriesUID, forUID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE series SET deidentified_series_uid = $2, deidentified_frame_of_reference_uid = $3
		WHERE id = $1`, seriesID, seriesUID, forUID)
	return err
}

func (s *Store) SetStudyDeidentifiedUID(ctx context.Context, studyID int64, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE studies SET deidentified_study_uid = $2 WHERE id = $1`, studyID, uid)
	return err
}

func (s *Store) SetPatientDeidentifiedID(ctx context.Context, patientID int64, deid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE patients SET deidentified_id = $2 WHERE id = $1`, patientID, deid)
	return err
}

func (s *Store) SetInstanceDeidentifiedUID(ctx context.Context, instanceID int64, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET deidentified_sop_instance_uid = $2 WHERE id = $1`, instanceID, uid)
	return err
}

func (s *Store) InstancesForSeries(ctx context.Context, seriesID int64) ([]*Instance, error) {
	var out []*Instance
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM instances WHERE series_fk = $1 ORDER BY file_path`, seriesID)
	return out, err
}

func (s *Store) StudyForSeries(ctx context.Context, se *Series) (*Study, error) {
	var st Study
	err := s.db.GetContext(ctx, &st, `SELECT * FROM studies WHERE id = $1`, se.StudyID)
	return &st, err
}

func (s *Store) PatientForStudy(ctx context.Context, st *Study) (*Patient, error) {
	var p Patient
	err := s.db.GetContext(ctx, &p, `SELECT * FROM patients WHERE id = $1`, st.PatientID)
	return &p, err
}

//
// Rule tree.
//

func (s *Store) UpsertTagType(ctx context.Context, t *DicomTagType) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO dicom_tag_types (name, tag_id, description, value_representation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET tag_id = EXCLUDED.tag_id,
			value_representation = EXCLUDED.value_representation
		RETURNING id`, t.Name, t.TagID, t.Description, t.VR).Scan(&id)
	return id, err
}

// CreateRule persists one rule after VR/operator/literal validation.
// Incompatible combinations are rejected at persist time.
func (s *Store) CreateRule(ctx context.Context, r *Rule) (int64, error) {
	var tt DicomTagType
	if err := s.db.GetContext(ctx, &tt, `SELECT * FROM dicom_tag_types WHERE id = $1`, r.TagTypeID); err != nil {
		return 0, fmt.Errorf("loading tag type: %w", err)
	}
	if !vr.Compatible(tt.VR, vr.Operator(r.Operator)) {
		return 0, fmt.Errorf("%w: operator %s is not applicable to VR %s", ErrValidation, r.Operator, tt.VR)
	}
	if err := vr.Validate(tt.VR, r.Value); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO rules (rule_set_fk, tag_type_fk, operator, value, combinator, position)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.RuleSetID, r.TagTypeID, r.Operator, r.Value, string(r.Combinator), r.Position).Scan(&id)
	return id, err
}

// LoadRuleGroups returns the active rule tree in evaluation order, with each
// rule annotated with its tag type.
func (s *Store) LoadRuleGroups(ctx context.Context) ([]*RuleGroup, error) {
	var groups []*RuleGroup
	if err := s.db.SelectContext(ctx, &groups,
		`SELECT id, name, template_name, is_active FROM rule_groups WHERE is_active ORDER BY id`); err != nil {
		return nil, err
	}
	for _, g := range groups {
		if err := s.db.SelectContext(ctx, &g.RuleSets, `
			SELECT id, rule_group_fk, name, combinator, position
			FROM rule_sets WHERE rule_group_fk = $1 ORDER BY position, id`, g.ID); err != nil {
			return nil, err
		}
		for _, rs := range g.RuleSets {
			if err := s.db.SelectContext(ctx, &rs.Rules, `
				SELECT r.id, r.rule_set_fk, r.tag_type_fk, r.operator, r.value, r.combinator, r.position,
					t.name AS tag_name, t.tag_id AS tag_id, t.value_representation
				FROM rules r JOIN dicom_tag_types t ON t.id = r.tag_type_fk
				WHERE r.rule_set_fk = $1 ORDER BY r.position, r.id`, rs.ID); err != nil {
				return nil, err
			}
		}
	}
	return groups, nil
}

//
// Exports and imports.
//

func (s *Store) CreateExport(ctx context.Context, e *Export) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO exports (series_fk, zip_path, zip_sha256, transfer_status)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		e.SeriesID, e.ZipPath, e.ZipSHA256, string(e.TransferStatus)).Scan(&id)
	return id, err
}

func (s *Store) MarkExportTransferred(ctx context.Context, exportID int64, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE exports SET transfer_status = 'COMPLETED', server_task_id = $2, transferred_at = $3
		WHERE id = $1`, exportID, taskID, at)
	return err
}

func (s *Store) SetExportTransferStatus(ctx context.Context, exportID int64, status TransferStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE exports SET transfer_status = $2 WHERE id = $1`, exportID, string(status))
	return err
}

func (s *Store) SetExportServerStatus(ctx context.Context, exportID int64, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE exports SET server_segmentation_status = $2, server_status_updated_at = $3
		WHERE id = $1`, exportID, status, at)
	return err
}

// ExportsAwaitingResult returns completed transfers whose server-side status
// is not yet terminal.
func (s *Store) ExportsAwaitingResult(ctx context.Context) ([]*Export, error) {
	var out []*Export
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM exports
		WHERE transfer_status = 'COMPLETED'
		AND server_task_id IS NOT NULL
		AND (server_segmentation_status IS NULL
			OR server_segmentation_status NOT IN ('Delivered to Client', 'Transfer Completed'))
		ORDER BY id`)
	return out, err
}

// PendingExportForSeries returns the newest export of a series whose
// archive was never uploaded.
func (s *Store) PendingExportForSeries(ctx context.Context, seriesID int64) (*Export, error) {
	var e Export
	err := s.db.GetContext(ctx, &e, `
		SELECT * FROM exports
		WHERE series_fk = $1 AND transfer_status = 'PENDING'
		ORDER BY id DESC LIMIT 1`, seriesID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

func (s *Store) ExportByID(ctx context.Context, id int64) (*Export, error) {
	var e Export
	err := s.db.GetContext(ctx, &e, `SELECT * FROM exports WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &e, err
}

// CreateImport inserts the import row for an export; at most one import per
// export exists, and re-running the poll step returns the existing row.
func (s *Store) CreateImport(ctx context.Context, im *Import) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO imports (series_fk, export_fk, received_sop_instance_uid, downloaded_path, received_sha256, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (export_fk) DO UPDATE SET export_fk = EXCLUDED.export_fk
		RETURNING id`,
		im.SeriesID, im.ExportID, im.ReceivedSOPUID, im.DownloadedPath, im.ReceivedSHA256, im.ReceivedAt).Scan(&id)
	return id, err
}

func (s *Store) ImportForExport(ctx context.Context, exportID int64) (*Import, error) {
	var im Import
	err := s.db.GetContext(ctx, &im, `SELECT * FROM imports WHERE export_fk = $1`, exportID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &im, err
}

func (s *Store) ImportsAwaitingReidentify(ctx context.Context) ([]*Import, error) {
	var out []*Import
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM imports WHERE reidentified_at IS NULL ORDER BY id`)
	return out, err
}

func (s *Store) MarkImportReidentified(ctx context.Context, importID int64, path string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE imports SET reidentified_path = $2, reidentified_at = $3 WHERE id = $1`,
		importID, path, at)
	return err
}

// SetImportReview records oncologist review fields.
func (s *Store) SetImportReview(ctx context.Context, importID int64, assessor string, reviewed time.Time, minutes, rating int64) error {
	if rating < 0 || rating > 10 {
		return fmt.Errorf("%w: overall rating must be 0..10", ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE imports SET assessor_name = $2, date_reviewed = $3, time_required_minutes = $4, overall_rating = $5
		WHERE id = $1`, importID, assessor, reviewed, minutes, rating)
	return err
}

// InsertVOIs bulk-inserts the ROI names of one reidentified structure set.
func (s *Store) InsertVOIs(ctx context.Context, importID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO vois (import_fk, volume_name) VALUES ($1, $2)`)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := stmt.ExecContext(ctx, importID, name); err != nil {
			return err
		}
	}
	return tx.Commit()
}

//
// Singletons.
//

// LoadSystemConfig get-or-creates the singleton and opens sealed tokens.
func (s *Store) LoadSystemConfig(ctx context.Context) (*SystemConfiguration, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO system_configuration (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	return s.GetSystemConfig(ctx)
}

// GetSystemConfig returns the singleton, or ErrNotFound when absent.
func (s *Store) GetSystemConfig(ctx context.Context) (*SystemConfiguration, error) {
	var c SystemConfiguration
	err := s.db.GetContext(ctx, &c, `SELECT * FROM system_configuration WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.key != nil {
		if c.BearerToken, err = s.key.open(c.SealedBearerToken.String); err != nil {
			return nil, fmt.Errorf("opening bearer token: %w", err)
		}
		if c.RefreshToken, err = s.key.open(c.SealedRefreshToken.String); err != nil {
			return nil, fmt.Errorf("opening refresh token: %w", err)
		}
	}
	return &c, nil
}

// UpdateTokens atomically replaces the token set after a refresh.
func (s *Store) UpdateTokens(ctx context.Context, bearer, refresh string, expiry time.Time) error {
	if s.key == nil {
		return fmt.Errorf("%w: no secret key configured for token storage", ErrConfigurationMissing)
	}
	sealedBearer, err := s.key.seal(bearer)
	if err != nil {
		return err
	}
	sealedRefresh, err := s.key.seal(refresh)
	if err != nil {
		return err
	}
	if refresh == "" {
		// Keep the existing refresh token when the server did not rotate it.
		_, err = s.db.ExecContext(ctx, `
			UPDATE system_configuration SET bearer_token_enc = $1, token_expiry = $2 WHERE id = 1`,
			sealedBearer, expiry)
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE system_configuration SET bearer_token_enc = $1, refresh_token_enc = $2, token_expiry = $3
		WHERE id = 1`, sealedBearer, sealedRefresh, expiry)
	return err
}

func (s *Store) LoadSCPConfig(ctx context.Context) (*SCPConfiguration, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO scp_configuration (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var c SCPConfiguration
	if err := s.db.GetContext(ctx, &c, `SELECT * FROM scp_configuration WHERE id = 1`); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) LoadServiceStatus(ctx context.Context) (*ServiceStatus, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO service_status (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, err
	}
	var st ServiceStatus
	if err := s.db.GetContext(ctx, &st, `SELECT * FROM service_status WHERE id = 1`); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) MarkServiceRunning(ctx context.Context, pid int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_status SET is_running = TRUE, pid = $1, started_at = $2, stopped_at = NULL
		WHERE id = 1`, pid, at)
	return err
}

func (s *Store) MarkServiceStopped(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_status SET is_running = FALSE, active_connections = 0, stopped_at = $1
		WHERE id = 1`, at)
	return err
}

// CountConnection bumps the connection counters; delta is +1 on accept and
// -1 on close.
func (s *Store) CountConnection(ctx context.Context, delta int64, at time.Time) error {
	if delta > 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE service_status SET total_connections = total_connections + $1,
				active_connections = active_connections + $1, last_connection_at = $2
			WHERE id = 1`, delta, at)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_status SET active_connections = GREATEST(active_connections + $1, 0)
		WHERE id = 1`, delta)
	return err
}

func (s *Store) CountFileReceived(ctx context.Context, size int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_status SET total_files_received = total_files_received + 1,
			total_bytes_received = total_bytes_received + $1,
			last_file_received_at = $2,
			cached_storage_bytes = cached_storage_bytes + $1,
			cached_storage_updated_at = $2
		WHERE id = 1`, size, at)
	return err
}

func (s *Store) CountError(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE service_status SET total_errors = total_errors + 1 WHERE id = 1`)
	return err
}

// SetCachedStorage overwrites the usage cache after a full rescan.
func (s *Store) SetCachedStorage(ctx context.Context, bytes int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE service_status SET cached_storage_bytes = $1, cached_storage_updated_at = $2
		WHERE id = 1`, bytes, at)
	return err
}

//
// Remote nodes.
//

func (s *Store) UpsertRemoteNode(ctx context.Context, n *RemoteDicomNode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_dicom_nodes (ae_title, host, port, allow_incoming, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ae_title) DO UPDATE SET host = EXCLUDED.host, port = EXCLUDED.port,
			allow_incoming = EXCLUDED.allow_incoming, is_active = EXCLUDED.is_active`,
		n.AETitle, n.Host, n.Port, n.AllowIncoming, n.IsActive)
	return err
}

// MoveDestination resolves a C-MOVE destination AE against active nodes that
// allow incoming transfers.
func (s *Store) MoveDestination(ctx context.Context, aeTitle string) (*RemoteDicomNode, error) {
	var n RemoteDicomNode
	err := s.db.GetContext(ctx, &n, `
		SELECT * FROM remote_dicom_nodes
		WHERE ae_title = $1 AND is_active AND allow_incoming`, strings.TrimSpace(aeTitle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &n, err
}

// RemoteNodeByAE resolves an AE title against active nodes, incoming-capable
// or not. Used for calling-AE validation on inbound associations.
func (s *Store) RemoteNodeByAE(ctx context.Context, aeTitle string) (*RemoteDicomNode, error) {
	var n RemoteDicomNode
	err := s.db.GetContext(ctx, &n, `
		SELECT * FROM remote_dicom_nodes
		WHERE ae_title = $1 AND is_active`, strings.TrimSpace(aeTitle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &n, err
}

// MoveDestinations lists every node a C-MOVE may forward to.
func (s *Store) MoveDestinations(ctx context.Context) ([]*RemoteDicomNode, error) {
	var nodes []*RemoteDicomNode
	err := s.db.SelectContext(ctx, &nodes, `
		SELECT * FROM remote_dicom_nodes
		WHERE is_active AND allow_incoming ORDER BY ae_title`)
	return nodes, err
}

func (s *Store) TouchRemoteNodeOutgoing(ctx context.Context, aeTitle string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE remote_dicom_nodes SET last_successful_outgoing_at = $2 WHERE ae_title = $1`, aeTitle, at)
	return err
}

func (s *Store) TouchRemoteNodeIncoming(ctx context.Context, aeTitle string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE remote_dicom_nodes SET last_incoming_at = $2 WHERE ae_title = $1`, aeTitle, at)
	return err
}

//
// Transaction log and statistics.
//

// AppendTransaction adds one transaction-log row. The log is append-only;
// no update or delete paths exist.
func (s *Store) AppendTransaction(ctx context.Context, t *Transaction) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transactions (type, status, calling_ae, called_ae, remote_ip, remote_port,
			patient_id, study_uid, series_uid, sop_instance_uid, sop_class_uid,
			file_path, file_size, transfer_syntax, duration_s, transfer_speed_mbps, error, timestamp)
		VALUES (:type, :status, :calling_ae, :called_ae, :remote_ip, :remote_port,
			:patient_id, :study_uid, :series_uid, :sop_instance_uid, :sop_class_uid,
			:file_path, :file_size, :transfer_syntax, :duration_s, :transfer_speed_mbps, :error, :timestamp)`, t)
	return err
}

func (s *Store) AddStatisticsSample(ctx context.Context, name string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statistics_samples (parameter_name, parameter_value) VALUES ($1, $2)`, name, value)
	return err
}

func (s *Store) LatestSample(ctx context.Context, name string) (*StatisticsSample, error) {
	var sample StatisticsSample
	err := s.db.GetContext(ctx, &sample, `
		SELECT * FROM statistics_samples WHERE parameter_name = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &sample, err
}

// CountSeriesByStatus returns status -> count for statistics sampling.
func (s *Store) CountSeriesByStatus(ctx context.Context) (map[ProcessingStatus]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT processing_status, COUNT(*) FROM series
		WHERE processing_status IS NOT NULL GROUP BY processing_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[ProcessingStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[ProcessingStatus(status)] = n
	}
	return out, rows.Err()
}
