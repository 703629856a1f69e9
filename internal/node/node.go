// Package node gives this EpochTimer process a stable identity and mints the
// IDs it hands out at runtime.
//
// The node ID is a ULID persisted as data_dir/node_id on first start, so it
// survives restarts and is stamped on every journal event. Session and event
// IDs are fresh ULIDs from a shared monotonic source: they sort by creation
// time, which the journal relies on for "most recent first" scans.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const idFile = "node_id"

// Node is the persistent identity of this server instance.
type Node struct {
	id      string
	dataDir string
}

// Open loads the node ID from dataDir, creating the directory and a fresh ID
// when needed. A non-empty override other than "auto" replaces the stored ID
// for this process without being persisted.
func Open(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if !Valid(override) {
			return nil, fmt.Errorf("node: invalid id override %q", override)
		}
		return &Node{id: override, dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's ULID.
func (n *Node) ID() string { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// Path joins name onto the data directory unless name is already absolute.
func (n *Node) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(n.dataDir, name)
}

func loadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if !Valid(id) {
			return "", fmt.Errorf("node: persisted id %q is not a ULID", id)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return id, nil
}
