package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snehjoshi/epochtimer/internal/node"
)

func TestOpen_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.Open(dir, "auto")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !node.Valid(n1.ID()) {
		t.Fatalf("generated ID %q is not a ULID", n1.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id file not found: %v", err)
	}
	if strings.TrimSpace(string(data)) != n1.ID() {
		t.Errorf("persisted ID %q != returned ID %q", data, n1.ID())
	}

	n2, err := node.Open(dir, "")
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	if n1.ID() != n2.ID() {
		t.Errorf("ID changed across restarts: %s != %s", n1.ID(), n2.ID())
	}
}

func TestOpen_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()
	n, err := node.Open(t.TempDir(), override)
	if err != nil {
		t.Fatalf("Open() with override error: %v", err)
	}
	if n.ID() != override {
		t.Errorf("expected override ID %s, got %s", override, n.ID())
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := node.Open("", "auto"); err == nil {
		t.Error("expected error for empty data dir")
	}
	if _, err := node.Open(t.TempDir(), "not-a-valid-ulid"); err == nil {
		t.Error("expected error for invalid override")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.Open(dir, "auto"); err == nil {
		t.Error("expected error for corrupt node_id file")
	}
}

func TestOpen_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	n, err := node.Open(dir, "auto")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
	if got := n.Path("journal.db"); got != filepath.Join(dir, "journal.db") {
		t.Errorf("Path: got %s", got)
	}
	if got := n.Path("/abs/journal.db"); got != "/abs/journal.db" {
		t.Errorf("Path with absolute name: got %s", got)
	}
}

func TestNewID_UniqueAndOrdered(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if seen[id] {
			t.Fatalf("duplicate ULID: %s", id)
		}
		if id <= prev {
			t.Fatalf("ULIDs out of order: %s after %s", id, prev)
		}
		seen[id] = true
		prev = id
	}
}
