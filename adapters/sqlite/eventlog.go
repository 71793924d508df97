package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
)

// Reserve allocates n sequences in their own transaction. Until events are
// appended with them they are a gap in the log.
func (d *DB) Reserve(ctx context.Context, n int) (*events.SequenceQueue, error) {
	var q *events.SequenceQueue
	err := d.InTx(ctx, func(ctx context.Context) error {
		var err error
		q, err = d.allocate(ctx, n)
		return err
	})
	return q, err
}

func (d *DB) allocate(ctx context.Context, n int) (*events.SequenceQueue, error) {
	var last int64
	if err := d.conn(ctx).QueryRowContext(ctx,
		`UPDATE event_sequence SET last = last + ? WHERE id = 1 RETURNING last`, n,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("allocate sequences: %w", err)
	}
	seqs := make([]int64, n)
	for i := range seqs {
		seqs[i] = last - int64(n) + int64(i) + 1
	}
	return events.NewSequenceQueue(seqs...), nil
}

// Append allocates sequences and commits actions in one transaction.
func (d *DB) Append(ctx context.Context, actions ...*events.StreamAction) error {
	n := 0
	for _, a := range actions {
		n += len(a.Events)
	}
	return d.InTx(ctx, func(ctx context.Context) error {
		q, err := d.allocate(ctx, n)
		if err != nil {
			return err
		}
		return d.commit(ctx, q, actions)
	})
}

// AppendReserved commits actions using sequences from Reserve.
func (d *DB) AppendReserved(ctx context.Context, q *events.SequenceQueue, actions ...*events.StreamAction) error {
	return d.InTx(ctx, func(ctx context.Context) error {
		return d.commit(ctx, q, actions)
	})
}

func (d *DB) commit(ctx context.Context, q *events.SequenceQueue, actions []*events.StreamAction) error {
	db := d.conn(ctx)
	versions := map[string]int64{}
	for _, a := range actions {
		stream := streamOf(a)
		current, ok := versions[stream]
		if !ok {
			err := db.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream = ?`, stream).Scan(&current)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check current version: %w", err)
			}
		}

		for _, e := range a.Events {
			if e.EventType == "" {
				e.EventType = d.registry.AliasFor(e.Data)
			}
		}
		if err := a.PrepareEvents(current, q); err != nil {
			return err
		}

		for _, e := range a.Events {
			if err := d.insert(ctx, db, stream, e); err != nil {
				if isUniqueViolation(err) {
					return &events.ConcurrencyError{Stream: stream, Expected: current, Actual: -1}
				}
				return err
			}
		}

		if _, err := db.ExecContext(ctx, `
INSERT INTO streams (stream, version, tenant_id, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (stream) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
			stream, a.Version, a.TenantID, d.now().UnixMicro(),
		); err != nil {
			return fmt.Errorf("failed to update stream head: %w", err)
		}
		versions[stream] = a.Version
	}
	return nil
}

func (d *DB) insert(ctx context.Context, db DBTX, stream string, e *events.Event) error {
	_, body, err := d.registry.Encode(e.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventType, err)
	}
	var headers []byte
	if len(e.Headers) > 0 {
		if headers, err = json.Marshal(e.Headers); err != nil {
			return fmt.Errorf("encode headers: %w", err)
		}
	}
	var streamID string
	if e.StreamID != uuid.Nil {
		streamID = e.StreamID.String()
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO events (
	seq, id, stream, stream_id, stream_key, version, type, data,
	tenant_id, causation_id, correlation_id, headers, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.ID.String(), stream, streamID, e.StreamKey, e.Version, e.EventType, body,
		e.TenantID, e.CausationID, e.CorrelationID, headers, e.Timestamp.UnixMicro(),
	)
	return err
}

func streamOf(a *events.StreamAction) string {
	if a.Key != "" {
		return a.Key
	}
	return a.ID.String()
}

// isUniqueViolation checks if an error is a SQLite unique constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// StreamVersion returns the current version of a stream, 0 if unknown.
func (d *DB) StreamVersion(ctx context.Context, stream string) (int64, error) {
	var v int64
	err := d.conn(ctx).QueryRowContext(ctx, `SELECT version FROM streams WHERE stream = ?`, stream).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (d *DB) Identifier() string { return d.name }

func (d *DB) ProjectionProgressFor(ctx context.Context, shard daemon.ShardName) (int64, error) {
	return d.Progress().LoadProgress(ctx, shard.Identity())
}

func (d *DB) FetchHighestEventSequenceNumber(ctx context.Context) (int64, error) {
	var seq int64
	err := d.conn(ctx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq)
	return seq, err
}

func (d *DB) FindEventStoreFloorAtTime(ctx context.Context, t time.Time) (int64, bool, error) {
	var first sql.NullInt64
	if err := d.conn(ctx).QueryRowContext(ctx,
		`SELECT MIN(seq) FROM events WHERE timestamp >= ?`, t.UnixMicro(),
	).Scan(&first); err != nil {
		return 0, false, err
	}
	if !first.Valid {
		return 0, false, nil
	}
	return first.Int64 - 1, true, nil
}

func (d *DB) FetchHighWaterStatistics(ctx context.Context) (daemon.HighWaterStatistics, error) {
	var stats daemon.HighWaterStatistics
	db := d.conn(ctx)

	err := db.QueryRowContext(ctx, `SELECT mark FROM high_water WHERE id = 1`).Scan(&stats.LastMark)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return stats, err
	}
	if err := db.QueryRowContext(ctx, `SELECT last FROM event_sequence WHERE id = 1`).Scan(&stats.HighestSequence); err != nil {
		return stats, err
	}
	stats.CurrentMark, err = d.FindContiguousCeiling(ctx, stats.LastMark)
	return stats, err
}

func (d *DB) FindContiguousCeiling(ctx context.Context, from int64) (int64, error) {
	db := d.conn(ctx)
	var next int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE seq = ?`, from+1).Scan(&next); err != nil {
		return 0, err
	}
	if next == 0 {
		return from, nil
	}
	var ceiling int64
	err := db.QueryRowContext(ctx, `
SELECT MIN(e.seq) FROM events e
WHERE e.seq > ? AND NOT EXISTS (SELECT 1 FROM events n WHERE n.seq = e.seq + 1)`, from,
	).Scan(&ceiling)
	return ceiling, err
}

func (d *DB) FindSafeStartMark(ctx context.Context, from int64, staleBefore time.Time) (int64, error) {
	var safe int64
	err := d.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), ?) FROM events WHERE seq > ? AND timestamp <= ?`,
		from, from, staleBefore.UnixMicro(),
	).Scan(&safe)
	return safe, err
}

func (d *DB) MarkHighWater(ctx context.Context, sequence int64) error {
	_, err := d.conn(ctx).ExecContext(ctx, `
INSERT INTO high_water (id, mark, updated_at) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET mark = MAX(mark, excluded.mark), updated_at = excluded.updated_at`,
		sequence, d.now().UnixMicro())
	return err
}

// LoadEvents returns up to BatchSize events in Floor < s <= HighWater.
func (d *DB) LoadEvents(ctx context.Context, req daemon.EventRequest) (*daemon.EventPage, error) {
	page := &daemon.EventPage{Floor: req.Floor, Ceiling: req.HighWater}
	limit := req.BatchSize
	if limit <= 0 {
		limit = -1
	}

	rows, err := d.conn(ctx).QueryContext(ctx, `
SELECT seq, id, stream_id, stream_key, version, type, data,
	tenant_id, causation_id, correlation_id, headers, timestamp
FROM events
WHERE seq > ? AND seq <= ?
ORDER BY seq ASC
LIMIT ?`, req.Floor, req.HighWater, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	count := 0
	var last int64
	for rows.Next() {
		e, err := d.scanEvent(rows)
		count++
		if err != nil {
			if e == nil || !req.ErrorOptions.CanSkip(err) {
				return nil, fmt.Errorf("load %s: %w", req.Shard.Identity(), err)
			}
			page.Skipped = append(page.Skipped, daemon.SkippedEvent{Sequence: e.Sequence, EventType: e.EventType, Err: err})
			last = e.Sequence
			continue
		}
		page.Events = append(page.Events, e)
		last = e.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if limit > 0 && count >= limit {
		page.Ceiling = last
	}
	d.log.Debug("loaded events",
		slog.String("shard", req.Shard.Identity()),
		slog.Int64("floor", page.Floor),
		slog.Int64("ceiling", page.Ceiling),
		slog.Int("count", len(page.Events)),
	)
	return page, nil
}

// scanEvent returns the event even when its payload cannot be decoded, so
// the caller can report what it skipped.
func (d *DB) scanEvent(rows *sql.Rows) (*events.Event, error) {
	var (
		e             events.Event
		id, streamID  string
		data, headers []byte
		timestamp     int64
	)
	if err := rows.Scan(&e.Sequence, &id, &streamID, &e.StreamKey, &e.Version, &e.EventType, &data,
		&e.TenantID, &e.CausationID, &e.CorrelationID, &headers, &timestamp); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse event ID: %w", err)
	}
	if streamID != "" {
		if e.StreamID, err = uuid.Parse(streamID); err != nil {
			return nil, fmt.Errorf("failed to parse stream ID: %w", err)
		}
	}
	e.Timestamp = time.UnixMicro(timestamp).UTC()
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return &e, &events.EventDeserializationError{EventType: e.EventType, Sequence: e.Sequence, Err: err}
		}
	}

	e.Data, err = d.registry.Decode(e.EventType, data)
	if err != nil {
		var unknown *events.UnknownEventTypeError
		if errors.As(err, &unknown) {
			unknown.Sequence = e.Sequence
		}
		var deser *events.EventDeserializationError
		if errors.As(err, &deser) {
			deser.Sequence = e.Sequence
		}
		return &e, err
	}
	return &e, nil
}

var (
	_ daemon.EventDatabase  = (*DB)(nil)
	_ daemon.HighWaterStore = (*DB)(nil)
	_ daemon.EventLoader    = (*DB)(nil)
)
