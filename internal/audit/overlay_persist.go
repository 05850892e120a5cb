/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/forgeman-ai/forgeman/internal/core"
	"github.com/forgeman-ai/forgeman/internal/taskerr"
)

// PersistOverlayEvent durably stores an OverlayEvent, gzip-compressed, into
// the audit log's overlay stream table. This is the mechanism behind the
// data model's "OverlayEvents ... are persisted (compressed) to the
// AuditStore stream" — the same store backs both transition audit entries
// and the replayable overlay history.
func (s *Store) PersistOverlayEvent(ctx context.Context, ev core.OverlayEvent) error {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(ev.Payload); err != nil {
		return fmt.Errorf("compress overlay payload: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("compress overlay payload: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO overlay_events (task_id, seq, ts, stream, payload)
		VALUES (?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Seq, ev.TS.Format(time.RFC3339Nano), string(ev.Stream), buf.Bytes(),
	)
	if err != nil {
		return taskerr.Wrap(taskerr.AuditUnavailable, "overlay_persist_failed", err)
	}
	return nil
}

// ReplayOverlayEvents returns persisted OverlayEvents for taskID with
// seq in [fromSeq, toSeq) in order. toSeq == 0 means unbounded.
func (s *Store) ReplayOverlayEvents(ctx context.Context, taskID string, fromSeq, toSeq uint64) ([]core.OverlayEvent, error) {
	query := `SELECT task_id, seq, ts, stream, payload FROM overlay_events WHERE task_id = ? AND seq >= ?`
	args := []any{taskID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.AuditUnavailable, "overlay_replay_failed", err)
	}
	defer rows.Close()

	var events []core.OverlayEvent
	for rows.Next() {
		var ev core.OverlayEvent
		var ts, stream string
		var compressed []byte
		if err := rows.Scan(&ev.TaskID, &ev.Seq, &ts, &stream, &compressed); err != nil {
			return nil, taskerr.Wrap(taskerr.AuditUnavailable, "overlay_replay_failed", err)
		}
		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("decompress overlay payload: %w", err)
		}
		payload, err := io.ReadAll(gr)
		_ = gr.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress overlay payload: %w", err)
		}
		ev.TS, _ = time.Parse(time.RFC3339Nano, ts)
		ev.Stream = core.OverlayStream(stream)
		ev.Payload = payload
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, taskerr.Wrap(taskerr.AuditUnavailable, "overlay_replay_failed", err)
	}
	return events, nil
}
