package treestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	nodePrefix     = "tree:"
	childSetSuffix = ":k"
)

// RedisStore persists the tree in redis: node JSON at tree:{path}, and a set
// of child keys at tree:{path}:k maintained on every write and delete so that
// listings and equality queries do not require SCAN.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func nodeKey(path string) string {
	return nodePrefix + path
}

func childSetKey(path string) string {
	return nodePrefix + path + childSetSuffix
}

func (s *RedisStore) Get(ctx context.Context, path string, dest any) error {
	data, err := s.client.Get(ctx, nodeKey(path)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	parent, key := Split(path)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, nodeKey(path), data, 0)
	if parent != "" {
		pipe.SAdd(ctx, childSetKey(parent), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, path string, fields map[string]any) error {
	node := map[string]any{}
	if err := s.Get(ctx, path, &node); err != nil && err != ErrNotFound {
		return err
	}
	for k, v := range fields {
		node[k] = v
	}
	return s.Set(ctx, path, node)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	parent, key := Split(path)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, nodeKey(path), childSetKey(path))
	if parent != "" {
		pipe.SRem(ctx, childSetKey(parent), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *RedisStore) Children(ctx context.Context, path string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, childSetKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", path, err)
	}
	return keys, nil
}

// QueryEqual scans the children of path and keeps those whose JSON field
// equals value. The child nodes are fetched in one pipelined round-trip.
func (s *RedisStore) QueryEqual(ctx context.Context, path, field, value string, limit int) ([]KeyedNode, error) {
	keys, err := s.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, nodeKey(Join(path, key)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}

	var matches []KeyedNode
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue // child removed between listing and fetch
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", path, err)
		}
		if !fieldEquals(data, field, value) {
			continue
		}
		matches = append(matches, KeyedNode{Key: keys[i], Value: json.RawMessage(data)})
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func fieldEquals(data []byte, field, value string) bool {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(data, &node); err != nil {
		return false
	}
	raw, ok := node[field]
	if !ok {
		return false
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	return got == value
}
