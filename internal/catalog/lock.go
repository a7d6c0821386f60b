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
	"errors"
	"fmt"
	"time"
)

// ChainLockName guards the processing chain.
const ChainLockName = "dicom_processing_chain"

// AcquireChainLock takes the named lock for ttl. The insert wins when no row
// exists; when a row exists it is reclaimed only if expired. Losing the race
// returns ErrLockHeld.
func (s *Store) AcquireChainLock(ctx context.Context, name, chainID, startedBy string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_locks (name, chain_id, started_at, started_by, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, 'RUNNING')
		ON CONFLICT (name) DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			started_at = EXCLUDED.started_at,
			started_by = EXCLUDED.started_by,
			expires_at = EXCLUDED.expires_at,
			status = 'RUNNING'
		WHERE chain_locks.expires_at < $3`,
		name, chainID, now, startedBy, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("acquiring chain lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleaseChainLock releases the lock if this chain still owns it. A release
// after expiry-and-reclaim is a no-op.
func (s *Store) ReleaseChainLock(ctx context.Context, name, chainID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chain_locks SET status = 'COMPLETED', expires_at = $3
		WHERE name = $1 AND chain_id = $2`, name, chainID, time.Now().UTC())
	return err
}

// GetChainLock returns the current lock row for inspection.
func (s *Store) GetChainLock(ctx context.Context, name string) (*ChainLock, error) {
	var l ChainLock
	err := s.db.GetContext(ctx, &l, `SELECT * FROM chain_locks WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &l, err
}
