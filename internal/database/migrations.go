package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "create messages table",
		sql: `CREATE TABLE IF NOT EXISTS messages (
    tst            timestamptz,
    ntp_timestamp  timestamptz,
    eke_timestamp  timestamptz,
    mqtt_timestamp timestamptz,
    tst_source     text,
    msg_type       int,
    vehicle_id     text NOT NULL,
    message        jsonb NOT NULL
)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = 'public' AND tablename = 'messages')`,
	},
	{
		name: "create events table",
		sql: `CREATE TABLE IF NOT EXISTS events (
    tst            timestamptz,
    tst_corrected  timestamptz,
    ntp_timestamp  timestamptz,
    eke_timestamp  timestamptz,
    mqtt_timestamp timestamptz,
    tst_source     text,
    event_type     text NOT NULL,
    vehicle_id     text NOT NULL,
    data           jsonb NOT NULL
)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = 'public' AND tablename = 'events')`,
	},
	{
		name: "create stationevents table",
		sql: `CREATE TABLE IF NOT EXISTS stationevents (
    tst           timestamptz,
    ntp_timestamp timestamptz,
    eke_timestamp timestamptz,
    tst_source    text,
    vehicle_id    text NOT NULL,
    station       text,
    track         text,
    direction     text,
    data          jsonb NOT NULL
)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = 'public' AND tablename = 'stationevents')`,
	},
	{
		// Replayed batches rely on this index: the sink merge uses
		// ON CONFLICT DO NOTHING, so a rerun of the same source rows
		// must collide instead of duplicating.
		name:  "add messages uniqueness index",
		sql:   `CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_vehicle_type_tst ON messages (vehicle_id, msg_type, tst, eke_timestamp)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_messages_vehicle_type_tst')`,
	},
	{
		name:  "add events uniqueness index",
		sql:   `CREATE UNIQUE INDEX IF NOT EXISTS uq_events_vehicle_type_tst ON events (vehicle_id, event_type, tst)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_events_vehicle_type_tst')`,
	},
	{
		name:  "add stationevents uniqueness index",
		sql:   `CREATE UNIQUE INDEX IF NOT EXISTS uq_stationevents_vehicle_station_tst ON stationevents (vehicle_id, station, tst)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'uq_stationevents_vehicle_station_tst')`,
	},
	{
		name:  "add messages time index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_messages_tst ON messages (tst DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_messages_tst')`,
	},
	{
		name:  "add events time index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_events_tst ON events (tst DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_events_tst')`,
	},
	{
		name:  "create staging schema",
		sql:   `CREATE SCHEMA IF NOT EXISTS staging`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = 'staging')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned; the caller should treat this as fatal
// since the sinks depend on these tables and indexes existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	// Try to apply each pending migration
	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart eke-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
