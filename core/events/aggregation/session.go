package aggregation

import (
	"context"
	"errors"

	"github.com/JasperFx/jasperfx-sub002/core/events/daemon"
	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
)

var ErrNoUpstream = errors.New("no upstream projection for document type")

// Session is what handlers of a Runner receive as their session parameter.
type Session struct {
	TenantID string
	Shard    daemon.ShardName

	batch    *storage.Batch
	upstream []daemon.Upstream
}

// Batch is the batch the current range is written into.
func (s *Session) Batch() *storage.Batch { return s.batch }

// LoadUpstream loads a document written by an earlier stage of a composite
// projection, including writes not committed yet.
func LoadUpstream[TDoc any, TId comparable](ctx context.Context, s *Session, id TId) (TDoc, bool, error) {
	for _, u := range s.upstream {
		if r, ok := u.Source().(*Runner[TDoc, TId]); ok {
			return r.Load(ctx, s.batch, s.TenantID, id)
		}
	}
	var zero TDoc
	return zero, false, ErrNoUpstream
}
