// Package treestore abstracts the hierarchical key-value store the engine
// persists to. Nodes are addressed by slash-separated paths; each node holds
// one JSON value. The store guarantees read-after-write per path and nothing
// across paths.
package treestore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when no node exists at the path.
var ErrNotFound = errors.New("treestore: node not found")

// KeyedNode is one child returned by an equality query: the child key under
// the queried path plus the raw node value.
type KeyedNode struct {
	Key   string
	Value json.RawMessage
}

type Store interface {
	// Get reads the node at path into dest. ErrNotFound when absent.
	Get(ctx context.Context, path string, dest any) error
	// Set writes the node at path, creating or replacing it.
	Set(ctx context.Context, path string, value any) error
	// Update shallow-merges fields into the node at path, creating it if absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Delete removes the node at path. Deleting an absent node is a no-op.
	Delete(ctx context.Context, path string) error
	// Children lists the child keys directly under path, in arbitrary order.
	Children(ctx context.Context, path string) ([]string, error)
	// QueryEqual returns children of path whose JSON field equals value,
	// at most limit of them (0 means no limit).
	QueryEqual(ctx context.Context, path, field, value string, limit int) ([]KeyedNode, error)
}

// Join builds a slash-separated path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and final key of path. A single-segment path
// has an empty parent.
func Split(path string) (parent, key string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
