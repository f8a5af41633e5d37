package treestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore provides an in-memory Store implementation for tests and local
// runs. It mirrors RedisStore behavior, including the child-key bookkeeping.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]json.RawMessage
	children map[string]map[string]bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[string]json.RawMessage),
		children: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string, dest any) error {
	s.mu.RLock()
	data, ok := s.nodes[path]
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[path] = data
	if parent, key := Split(path); parent != "" {
		if s.children[parent] == nil {
			s.children[parent] = make(map[string]bool)
		}
		s.children[parent][key] = true
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	node := map[string]any{}
	if err := s.Get(ctx, path, &node); err != nil && err != ErrNotFound {
		return err
	}
	for k, v := range fields {
		node[k] = v
	}
	return s.Set(ctx, path, node)
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, path)
	delete(s.children, path)
	if parent, key := Split(path); parent != "" {
		delete(s.children[parent], key)
	}
	return nil
}

func (s *MemoryStore) Children(ctx context.Context, path string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.children[path]))
	for key := range s.children[path] {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStore) QueryEqual(ctx context.Context, path, field, value string, limit int) ([]KeyedNode, error) {
	keys, err := s.Children(ctx, path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []KeyedNode
	for _, key := range keys {
		data, ok := s.nodes[Join(path, key)]
		if !ok || !fieldEquals(data, field, value) {
			continue
		}
		matches = append(matches, KeyedNode{Key: key, Value: data})
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}
