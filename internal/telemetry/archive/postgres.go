// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS flow_history (
//   bin_idx INTEGER NOT NULL,
//   window_id BIGINT NOT NULL,
//   queue_depth_bytes BIGINT NOT NULL,
//   admitted_rate_bps DOUBLE PRECISION NOT NULL,
//   flows_on INTEGER NOT NULL,
//   flows_off INTEGER NOT NULL,
//   PRIMARY KEY (bin_idx, window_id)
// );

// PostgresArchiver persists snapshots idempotently via ON CONFLICT DO
// NOTHING on the natural (bin, window) key, the same transactional
// shape as the rate-limiter's commit path applied to history rows.
type PostgresArchiver struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

func NewPostgresArchiver(db *sql.DB) *PostgresArchiver {
	return &PostgresArchiver{db: db, defaultTimeout: 10 * time.Second}
}

func (p *PostgresArchiver) ArchiveBatch(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range snaps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flow_history(bin_idx, window_id, queue_depth_bytes, admitted_rate_bps, flows_on, flows_off)
			 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (bin_idx, window_id) DO NOTHING`,
			s.BinIdx, s.WindowID, s.QueueDepthBytes, s.AdmittedRateBps, s.FlowsOn, s.FlowsOff); err != nil {
			return fmt.Errorf("archive: insert flow_history(bin=%d, window=%d): %w", s.BinIdx, s.WindowID, err)
		}
	}

	return tx.Commit()
}
