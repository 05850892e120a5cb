/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package audit implements the AuditStore component (spec §4.1): a durable,
// append-only log of every state transition, policy decision, budget event,
// and terminal outcome. Grounded in the teacher's telemetry idiom
// (metrics.go's emitTaskEvent, a span-per-event OTel pattern) combined with
// piwi3910-openfroyo's SQLite store shape (sqlite_store.go): modernc.org/
// sqlite for a pure-Go, cgo-free backend, golang-migrate/v4 with an embedded
// iofs migration source for schema management.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	// SQLite driver, pure Go.
	_ "modernc.org/sqlite"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var tracer = otel.Tracer("forgeman/audit")

// Store is the AuditStore: an append-only event log backed by SQLite.
// AuditStore is the only globally shared mutable resource in the engine
// (spec §5) and is safe for concurrent use; sql.DB pools its own
// connections and every write is wrapped in an immediate transaction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed audit log at path and
// runs pending migrations, mirroring piwi3910-openfroyo's Init+Migrate
// sequence.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer WAL discipline; audit is the backpressure choke-point by design
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append atomically appends entry and returns the durable sequence number
// assigned to it. On failure the caller must treat the originating action
// as not-yet-durable (spec §4.1) — callers surface this as
// taskerr.AuditUnavailable and block the FSM in its current state rather
// than advance without an audit record ("no transition without audit").
func (s *Store) Append(ctx context.Context, entry core.AuditEntry) (uint64, error) {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("forgeman.task.id", entry.TaskID),
			attribute.String("forgeman.audit.kind", string(entry.Kind)),
			attribute.String("forgeman.audit.prior_state", entry.PriorState),
			attribute.String("forgeman.audit.next_state", entry.NextState),
		),
	)
	defer span.End()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (task_id, kind, prior_state, next_state, payload, causation_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, string(entry.Kind), entry.PriorState, entry.NextState,
		entry.Payload, entry.CausationID, entry.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		span.RecordError(err)
		return 0, taskerr.Wrap(taskerr.AuditUnavailable, "append_failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		span.RecordError(err)
		return 0, taskerr.Wrap(taskerr.AuditUnavailable, "append_failed", err)
	}
	span.AddEvent("appended", trace.WithAttributes(attribute.Int64("forgeman.audit.seq", id)))
	return uint64(id), nil
}

// Scan returns entries for a task in append order starting at fromSeq
// (inclusive), used for replay and crash recovery.
func (s *Store) Scan(ctx context.Context, taskID string, fromSeq uint64) ([]core.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, task_id, kind, prior_state, next_state, payload, causation_id, timestamp
		FROM audit_entries
		WHERE task_id = ? AND seq >= ?
		ORDER BY seq ASC`, taskID, fromSeq)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.AuditUnavailable, "scan_failed", err)
	}
	defer rows.Close()

	var entries []core.AuditEntry
	for rows.Next() {
		var e core.AuditEntry
		var ts string
		var kind string
		if err := rows.Scan(&e.Seq, &e.TaskID, &kind, &e.PriorState, &e.NextState, &e.Payload, &e.CausationID, &ts); err != nil {
			return nil, taskerr.Wrap(taskerr.AuditUnavailable, "scan_failed", err)
		}
		e.Kind = core.AuditEventKind(kind)
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.AuditUnavailable, "scan_failed", err)
	}
	return entries, nil
}

// LatestState returns the most recent transition entry for a task, used by
// the Scheduler on restart to resume or mark a task FAILED (P9).
func (s *Store) LatestState(ctx context.Context, taskID string) (core.AuditEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, task_id, kind, prior_state, next_state, payload, causation_id, timestamp
		FROM audit_entries
		WHERE task_id = ? AND kind = ?
		ORDER BY seq DESC LIMIT 1`, taskID, string(core.AuditTransition))

	var e core.AuditEntry
	var ts, kind string
	if err := row.Scan(&e.Seq, &e.TaskID, &kind, &e.PriorState, &e.NextState, &e.Payload, &e.CausationID, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AuditEntry{}, false, nil
		}
		return core.AuditEntry{}, false, taskerr.Wrap(taskerr.AuditUnavailable, "latest_state_failed", err)
	}
	e.Kind = core.AuditEventKind(kind)
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return e, true, nil
}
