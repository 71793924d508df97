package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

// ProgressStore keeps shard progress in the progress table. Inside a
// transaction started by DB.InTx it writes through that transaction.
type ProgressStore struct {
	db *DB
}

func (d *DB) Progress() *ProgressStore { return &ProgressStore{db: d} }

func (s *ProgressStore) LoadProgress(ctx context.Context, shard string) (int64, error) {
	var seq int64
	err := s.db.conn(ctx).QueryRowContext(ctx, `SELECT sequence FROM progress WHERE shard = ?`, shard).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *ProgressStore) SaveProgress(ctx context.Context, shard string, sequence int64) error {
	_, err := s.db.conn(ctx).ExecContext(ctx, `
INSERT INTO progress (shard, sequence, updated_at) VALUES (?, ?, ?)
ON CONFLICT (shard) DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at`,
		shard, sequence, s.db.now().UnixMicro())
	return err
}

func (s *ProgressStore) DeleteProgress(ctx context.Context, shard string) error {
	_, err := s.db.conn(ctx).ExecContext(ctx, `DELETE FROM progress WHERE shard = ?`, shard)
	return err
}

func (s *ProgressStore) AllProgress(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx, `SELECT shard, sequence FROM progress`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var shard string
		var seq int64
		if err := rows.Scan(&shard, &seq); err != nil {
			return nil, err
		}
		out[shard] = seq
	}
	return out, rows.Err()
}

var _ storage.ProgressStore = (*ProgressStore)(nil)
