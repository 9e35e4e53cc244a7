package sqlite

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pi-brain/pi-brain/internal/types"
)

// JSONStore writes and reads the node side-store: one JSON file per
// (node id, version), the authoritative copy of every field the relational
// tables also index. A reader that only has the JSON tree (no database) can
// still reconstruct the full graph; the database exists for query speed, not
// as the source of truth.
type JSONStore struct {
	rootDir string
}

func NewJSONStore(rootDir string) *JSONStore {
	return &JSONStore{rootDir: rootDir}
}

// Write serializes node to its canonical path under rootDir, creating parent
// directories as needed. The write is atomic: it writes to a temp file in the
// same directory and renames over the destination, so a crash mid-write never
// leaves a truncated JSON file for a concurrent reader to trip over.
func (j *JSONStore) Write(node *types.Node) (string, error) {
	relPath := types.NodeJSONPath(node.ID, node.Version, node.AnalyzedAt)
	fullPath := filepath.Join(j.rootDir, relPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("json_store: mkdir for %s: %w", fullPath, err)
	}

	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return "", fmt.Errorf("json_store: marshal node %s v%d: %w", node.ID, node.Version, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".tmp-node-*")
	if err != nil {
		return "", fmt.Errorf("json_store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("json_store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("json_store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return "", fmt.Errorf("json_store: rename into place: %w", err)
	}
	return relPath, nil
}

// Read loads a node from its JSON path, relative to rootDir.
func (j *JSONStore) Read(relPath string) (*types.Node, error) {
	data, err := os.ReadFile(filepath.Join(j.rootDir, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("json_store: %s: %w", relPath, ErrNotFound)
		}
		return nil, fmt.Errorf("json_store: read %s: %w", relPath, err)
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("json_store: unmarshal %s: %w", relPath, err)
	}
	return &node, nil
}
