package sqlite

import (
	"context"
	"time"

	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
)

// DeadLetterStore records skipped events in the dead_letters table.
type DeadLetterStore struct {
	db *DB
}

func (d *DB) DeadLetters() *DeadLetterStore { return &DeadLetterStore{db: d} }

func (s *DeadLetterStore) Record(ctx context.Context, dl daemon.DeadLetter) error {
	_, err := s.db.conn(ctx).ExecContext(ctx, `
INSERT INTO dead_letters (shard, sequence, event_id, event_type, error, timestamp)
VALUES (?, ?, ?, ?, ?, ?)`,
		dl.Shard, dl.Sequence, dl.EventID, dl.EventType, dl.Error, dl.Timestamp.UnixMicro())
	return err
}

// List returns the dead letters of shard, or all of them when shard is
// empty, in sequence order.
func (s *DeadLetterStore) List(ctx context.Context, shard string) ([]daemon.DeadLetter, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, `
SELECT shard, sequence, event_id, event_type, error, timestamp FROM dead_letters
WHERE ? = '' OR shard = ?
ORDER BY shard, sequence`, shard, shard)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []daemon.DeadLetter
	for rows.Next() {
		var dl daemon.DeadLetter
		var ts int64
		if err := rows.Scan(&dl.Shard, &dl.Sequence, &dl.EventID, &dl.EventType, &dl.Error, &ts); err != nil {
			return nil, err
		}
		dl.Timestamp = time.UnixMicro(ts).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

var _ daemon.DeadLetterStore = (*DeadLetterStore)(nil)
