// Package history keeps the capped, newest-first list of notifications seen
// by one device.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/storage"
)

const DefaultLimit = 100

var ErrNotFound = errors.New("notification not found")

type Store struct {
	mu    sync.Mutex
	kv    storage.Store
	key   string
	limit int
}

func New(kv storage.Store, key string, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{kv: kv, key: key, limit: limit}
}

// Save inserts n at the head of the history, or replaces the entry with the
// same id in place. Entries beyond the limit are evicted oldest first.
func (s *Store) Save(ctx context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range list {
		if existing.ID == n.ID {
			list[i] = n.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		list = append([]*models.Notification{n.Clone()}, list...)
	}
	if len(list) > s.limit {
		list = list[:s.limit]
	}
	return s.store(ctx, list)
}

func (s *Store) Get(ctx context.Context, id string) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range list {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns the history newest first.
func (s *Store) List(ctx context.Context) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Remove(ctx, s.key)
}

func (s *Store) load(ctx context.Context) ([]*models.Notification, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var list []*models.Notification
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return list, nil
}

func (s *Store) store(ctx context.Context, list []*models.Notification) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}
