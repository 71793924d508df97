package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JasperFx/jasperfx-sub002/core/events/storage"
	"github.com/JasperFx/jasperfx-sub002/core/reflector"
)

// DocumentStore keeps JSON documents of one type in the documents table.
type DocumentStore[TDoc any, TId comparable] struct {
	db      *DB
	docType string
}

// NewDocumentStore stores TDoc under its snake_case type name.
func NewDocumentStore[TDoc any, TId comparable](db *DB) *DocumentStore[TDoc, TId] {
	return &DocumentStore[TDoc, TId]{db: db, docType: reflector.TypeInfoFor[TDoc]().Alias}
}

func (s *DocumentStore[TDoc, TId]) DocType() string { return s.docType }

func (s *DocumentStore[TDoc, TId]) Load(ctx context.Context, tenantID string, id TId) (doc TDoc, ok bool, err error) {
	var body []byte
	err = s.db.conn(ctx).QueryRowContext(ctx,
		`SELECT body FROM documents WHERE doc_type = ? AND tenant_id = ? AND id = ?`,
		s.docType, tenantID, fmt.Sprint(id),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, false, fmt.Errorf("decode %s %v: %w", s.docType, id, err)
	}
	return doc, true, nil
}

// Store encodes doc right away; later changes to doc are not written.
func (s *DocumentStore[TDoc, TId]) Store(b *storage.Batch, shard, tenantID string, id TId, doc TDoc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s %v: %w", s.docType, id, err)
	}
	return storage.StageStore(b, shard, s.docType, tenantID, id, doc, func(ctx context.Context) error {
		_, err := s.db.conn(ctx).ExecContext(ctx, `
INSERT INTO documents (doc_type, tenant_id, id, body, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (doc_type, tenant_id, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			s.docType, tenantID, fmt.Sprint(id), body, s.db.now().UnixMicro())
		return err
	})
}

func (s *DocumentStore[TDoc, TId]) Delete(b *storage.Batch, shard, tenantID string, id TId) error {
	return storage.StageDelete(b, shard, s.docType, tenantID, id, func(ctx context.Context) error {
		_, err := s.db.conn(ctx).ExecContext(ctx,
			`DELETE FROM documents WHERE doc_type = ? AND tenant_id = ? AND id = ?`,
			s.docType, tenantID, fmt.Sprint(id))
		return err
	})
}

func (s *DocumentStore[TDoc, TId]) Teardown(ctx context.Context) error {
	_, err := s.db.conn(ctx).ExecContext(ctx, `DELETE FROM documents WHERE doc_type = ?`, s.docType)
	return err
}

// Count returns the number of stored documents of this type.
func (s *DocumentStore[TDoc, TId]) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(1) FROM documents WHERE doc_type = ?`, s.docType).Scan(&n)
	return n, err
}

// ListJSON returns the raw documents of this type keyed by tenant and id.
func (s *DocumentStore[TDoc, TId]) ListJSON(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.conn(ctx).QueryContext(ctx,
		`SELECT tenant_id, id, body FROM documents WHERE doc_type = ? ORDER BY tenant_id, id`, s.docType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var tenant, id string
		var body []byte
		if err := rows.Scan(&tenant, &id, &body); err != nil {
			return nil, err
		}
		key := id
		if tenant != "" {
			key = tenant + "/" + id
		}
		out[key] = body
	}
	return out, rows.Err()
}

var _ storage.DocumentStore[struct{}, string] = (*DocumentStore[struct{}, string])(nil)
