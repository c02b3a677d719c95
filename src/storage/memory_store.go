package storage

import (
	"context"
	"sync"

	"composedb/src/models"

	"go.uber.org/zap"
)

// MemoryStore keeps collections in process. It backs tests and the
// "memory" backend of the command line tool.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
	closed      bool
	logger      *zap.SugaredLogger
}

var _ models.Accessor = (*MemoryStore)(nil)

func NewMemoryStore(logger *zap.SugaredLogger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MemoryStore{
		collections: make(map[string]*collection),
		logger:      logger,
	}
}

// Seed replaces the content of a collection. Documents are stored as given.
func (m *MemoryStore) Seed(name string, docs ...models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[name] = newCollection(docs)
}

func (m *MemoryStore) Find(ctx context.Context, query models.Query, name string, opts models.FindOptions, schema *models.Schema) (*models.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, models.ErrDisconnected
	}

	c, ok := m.collections[name]
	if !ok {
		return &models.Result{Results: []models.Document{}, Metadata: models.Metadata{Limit: opts.Limit, Skip: opts.Skip}}, nil
	}
	result, err := c.find(query, opts)
	if err != nil {
		return nil, err
	}
	m.logger.Debugw("Memory find", "collection", name, "matched", result.Metadata.TotalCount)
	return result, nil
}

func (m *MemoryStore) Insert(ctx context.Context, docs []models.Document, name string, schema *models.Schema) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, models.ErrDisconnected
	}

	c, ok := m.collections[name]
	if !ok {
		c = newCollection(nil)
		m.collections[name] = c
	}
	return c.insert(docs)
}

func (m *MemoryStore) Update(ctx context.Context, query models.Query, update models.Document, name string, schema *models.Schema) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, models.ErrDisconnected
	}

	c, ok := m.collections[name]
	if !ok {
		return 0, nil
	}
	return c.update(query, update)
}

func (m *MemoryStore) Delete(ctx context.Context, query models.Query, name string, schema *models.Schema) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, models.ErrDisconnected
	}

	c, ok := m.collections[name]
	if !ok {
		return 0, nil
	}
	return c.delete(query)
}

// Close marks the store disconnected. Every later call fails with
// models.ErrDisconnected.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
