// Package database opens the shared SQL store and applies schema migrations
// before any service starts serving. Production runs on PostgreSQL; tests run
// on in-memory SQLite through the same code path.
package database

import (
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DB wraps sql.DB with the dialect knowledge the query layer needs.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects, pings and applies migrations. The returned handle is ready
// for queries; services must not assume any further schema work.
func Open(driver, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if driver == DriverSQLite {
		// in-memory sqlite loses the schema when the last conn closes
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{DB: sqlDB, Driver: driver}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.New(log.Writer(), "[DB] ", log.LstdFlags).Printf("Connected (%s), schema ready", driver)
	return db, nil
}

// Rebind rewrites ?-placeholders to $n for PostgreSQL. Queries in this repo
// are always written with ?.
func (db *DB) Rebind(query string) string {
	if db.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate returns the row-locking clause. SQLite serializes writers at the
// database level, so the clause is empty there.
func (db *DB) ForUpdate() string {
	if db.Driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (db *DB) pk() string {
	if db.Driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (db *DB) migrate() error {
	pk := db.pk()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id ` + pk + `,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			zone TEXT,
			task_type TEXT NOT NULL DEFAULT '[]',
			bounty_gold BIGINT NOT NULL DEFAULT 0,
			bounty_xp BIGINT NOT NULL DEFAULT 0,
			urgency INTEGER NOT NULL DEFAULT 0,
			min_people_required INTEGER NOT NULL DEFAULT 0,
			estimated_duration_min INTEGER NOT NULL DEFAULT 0,
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			is_queued BOOLEAN NOT NULL DEFAULT FALSE,
			dispatched_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			expires_at TIMESTAMP,
			last_reminded_at TIMESTAMP,
			assigned_to BIGINT,
			accepted_at TIMESTAMP,
			announcement_audio_url TEXT,
			announcement_text TEXT,
			completion_audio_url TEXT,
			completion_text TEXT,
			report_status TEXT,
			completion_note TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_open ON tasks (is_completed, zone)`,

		`CREATE TABLE IF NOT EXISTS voice_events (
			id ` + pk + `,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			zone TEXT,
			audio_url TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS system_stats (
			id INTEGER PRIMARY KEY,
			total_xp BIGINT NOT NULL DEFAULT 0,
			tasks_completed BIGINT NOT NULL DEFAULT 0,
			tasks_created BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id ` + pk + `,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			xp BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS wallets (
			user_id BIGINT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id ` + pk + `,
			transaction_id TEXT NOT NULL,
			wallet_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			entry_type TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			reference_id TEXT,
			counterparty_wallet_id BIGINT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tx ON ledger_entries (transaction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries (wallet_id, id)`,
		// a transfer writes a debit and a credit with the same reference, so
		// uniqueness is per side; this is the idempotency backstop for
		// concurrent double-submits that pass the in-transaction check
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_ref
			ON ledger_entries (reference_id, entry_type) WHERE reference_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			device_type TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			topic_prefix TEXT NOT NULL DEFAULT '',
			xp BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_heartbeat_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS reward_rates (
			device_type TEXT PRIMARY KEY,
			rate_per_hour BIGINT NOT NULL,
			min_uptime_seconds BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS supply_stats (
			id INTEGER PRIMARY KEY,
			total_issued BIGINT NOT NULL DEFAULT 0,
			total_burned BIGINT NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement: %.60s...)", err, stmt)
		}
	}

	// singleton rows
	for _, stmt := range []string{
		`INSERT INTO system_stats (id, total_xp, tasks_completed, tasks_created)
			SELECT 1, 0, 0, 0 WHERE NOT EXISTS (SELECT 1 FROM system_stats WHERE id = 1)`,
		`INSERT INTO supply_stats (id, total_issued, total_burned)
			SELECT 1, 0, 0 WHERE NOT EXISTS (SELECT 1 FROM supply_stats WHERE id = 1)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate seed: %w", err)
		}
	}
	return nil
}
