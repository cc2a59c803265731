package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// targetColumns lists the persisted columns of each canonical table.
var targetColumns = map[string][]string{
	"messages":      {"tst", "ntp_timestamp", "eke_timestamp", "mqtt_timestamp", "tst_source", "msg_type", "vehicle_id", "message"},
	"events":        {"tst", "tst_corrected", "ntp_timestamp", "eke_timestamp", "mqtt_timestamp", "tst_source", "event_type", "vehicle_id", "data"},
	"stationevents": {"tst", "ntp_timestamp", "eke_timestamp", "tst_source", "vehicle_id", "station", "track", "direction", "data"},
}

// Targets returns the canonical table names a sink can write to.
func Targets() []string {
	return []string{"messages", "events", "stationevents"}
}

// StagingSink persists batches into one canonical table through a
// worker-private staging table: COPY into staging, INSERT ... ON CONFLICT
// DO NOTHING into the target, then empty the staging table. Replayed
// batches become no-ops, which keeps the at-least-once source idempotent.
type StagingSink struct {
	db      *DB
	target  string
	staging pgx.Identifier
	columns []string
	log     zerolog.Logger
}

func NewStagingSink(ctx context.Context, db *DB, target, workerID string, log zerolog.Logger) (*StagingSink, error) {
	columns, ok := targetColumns[target]
	if !ok {
		return nil, fmt.Errorf("unknown sink target table %q", target)
	}
	s := &StagingSink{
		db:      db,
		target:  target,
		staging: pgx.Identifier{"staging", fmt.Sprintf("%s-%s", target, workerID)},
		columns: columns,
		log:     log.With().Str("component", "pgsink").Str("table", target).Logger(),
	}

	if _, err := db.Pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS staging"); err != nil {
		return nil, fmt.Errorf("create staging schema: %w", err)
	}
	_, err := db.Pool.Exec(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (LIKE %s)",
		s.staging.Sanitize(), pgx.Identifier{target}.Sanitize(),
	))
	if err != nil {
		return nil, fmt.Errorf("create staging table: %w", err)
	}
	return s, nil
}

// Write moves one batch into the target table. The copy and the merge
// run in a single transaction.
func (s *StagingSink) Write(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin sink tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Should be empty, but a crashed predecessor may have left rows.
	if _, err := tx.Exec(ctx, "DELETE FROM "+s.staging.Sanitize()); err != nil {
		return fmt.Errorf("clear staging table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, s.staging, s.columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy into staging: %w", err)
	}

	cols := strings.Join(s.columns, ", ")
	merge := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT DO NOTHING",
		pgx.Identifier{s.target}.Sanitize(), cols, cols, s.staging.Sanitize(),
	)
	if _, err := tx.Exec(ctx, merge); err != nil {
		return fmt.Errorf("merge staging into %s: %w", s.target, err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM "+s.staging.Sanitize()); err != nil {
		return fmt.Errorf("empty staging table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sink tx: %w", err)
	}

	s.log.Info().Int("rows", len(rows)).Msg("batch persisted")
	return nil
}

// Close drops the worker's staging table.
func (s *StagingSink) Close(ctx context.Context) {
	if _, err := s.db.Pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.staging.Sanitize()); err != nil {
		s.log.Warn().Err(err).Msg("failed to drop staging table")
	}
}
