package storage

import (
	"context"
	"reflect"
	"sync"

	"github.com/JasperFx/jasperfx-sub002/core/events"
	"github.com/JasperFx/jasperfx-sub002/core/reflector"
)

// DocumentStore persists the documents of one projection.
type DocumentStore[TDoc any, TId comparable] interface {
	DocType() string
	Load(ctx context.Context, tenantID string, id TId) (TDoc, bool, error)
	// Store and Delete stage a write in b.
	Store(b *Batch, shard, tenantID string, id TId, doc TDoc) error
	Delete(b *Batch, shard, tenantID string, id TId) error
	// Teardown removes every document.
	Teardown(ctx context.Context) error
}

// StageStore stages a store of doc together with its Updated pseudo-event.
// write performs the actual persistence when b executes.
func StageStore[TDoc any, TId comparable](b *Batch, shard, docType, tenantID string, id TId, doc TDoc, write func(ctx context.Context) error) error {
	e := events.New(events.Updated[TDoc]{Entity: doc, TenantID: tenantID})
	e.TenantID = tenantID
	return b.Stage(Op{
		Shard:    shard,
		Kind:     OpStore,
		DocType:  docType,
		TenantID: tenantID,
		ID:       id,
		Doc:      doc,
		Event:    e,
		write:    write,
	})
}

// StageDelete stages a delete together with its ProjectionDeleted
// pseudo-event.
func StageDelete[TId comparable](b *Batch, shard, docType, tenantID string, id TId, write func(ctx context.Context) error) error {
	e := events.New(events.ProjectionDeleted[TId]{Identity: id, TenantID: tenantID})
	e.TenantID = tenantID
	return b.Stage(Op{
		Shard:    shard,
		Kind:     OpDelete,
		DocType:  docType,
		TenantID: tenantID,
		ID:       id,
		Event:    e,
		write:    write,
	})
}

type docKey[TId comparable] struct {
	tenant string
	id     TId
}

// MemoryDocumentStore keeps documents in a map. Pair it with a
// MutexTransactor for atomic batches.
type MemoryDocumentStore[TDoc any, TId comparable] struct {
	docType string

	mu   sync.RWMutex
	docs map[docKey[TId]]TDoc
}

func NewMemoryDocumentStore[TDoc any, TId comparable]() *MemoryDocumentStore[TDoc, TId] {
	return &MemoryDocumentStore[TDoc, TId]{
		docType: reflector.TypeInfoFor[TDoc]().Alias,
		docs:    map[docKey[TId]]TDoc{},
	}
}

func (s *MemoryDocumentStore[TDoc, TId]) DocType() string { return s.docType }

func (s *MemoryDocumentStore[TDoc, TId]) Load(_ context.Context, tenantID string, id TId) (TDoc, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey[TId]{tenantID, id}]
	return shallowCopy(doc), ok, nil
}

func (s *MemoryDocumentStore[TDoc, TId]) Store(b *Batch, shard, tenantID string, id TId, doc TDoc) error {
	return StageStore(b, shard, s.docType, tenantID, id, doc, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.docs[docKey[TId]{tenantID, id}] = shallowCopy(doc)
		return nil
	})
}

func (s *MemoryDocumentStore[TDoc, TId]) Delete(b *Batch, shard, tenantID string, id TId) error {
	return StageDelete(b, shard, s.docType, tenantID, id, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.docs, docKey[TId]{tenantID, id})
		return nil
	})
}

func (s *MemoryDocumentStore[TDoc, TId]) Teardown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.docs)
	return nil
}

// shallowCopy detaches pointer documents from the caller, which may keep
// mutating them while applying later events.
func shallowCopy[TDoc any](doc TDoc) TDoc {
	v := reflect.ValueOf(doc)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return doc
	}
	c := reflect.New(v.Elem().Type())
	c.Elem().Set(v.Elem())
	return c.Interface().(TDoc)
}

// Len is the number of stored documents across tenants.
func (s *MemoryDocumentStore[TDoc, TId]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
