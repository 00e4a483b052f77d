package ident_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/tileflow/internal/ident"
)

func TestNew_GeneratesIDOnFirstStart(t *testing.T) {
	dir := t.TempDir()

	inst, err := ident.New(dir, "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if inst.ID().IsZero() {
		t.Fatal("expected non-zero ID")
	}
	if len(inst.ID().String()) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(inst.ID().String()), inst.ID())
	}
}

func TestNew_PersistsIDAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := ident.New(dir, "auto")
	if err != nil {
		t.Fatalf("first New() error: %v", err)
	}

	second, err := ident.New(dir, "auto")
	if err != nil {
		t.Fatalf("second New() error: %v", err)
	}

	if first.ID() != second.ID() {
		t.Errorf("ID changed across restarts: %s != %s", first.ID(), second.ID())
	}
}

func TestNew_IDStoredInDataDir(t *testing.T) {
	dir := t.TempDir()

	inst, err := ident.New(dir, "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("instance_id file not found: %v", err)
	}

	persisted := strings.TrimSpace(string(data))
	if persisted != inst.ID().String() {
		t.Errorf("persisted ID %q != returned ID %q", persisted, inst.ID())
	}
}

func TestNew_ExplicitOverride(t *testing.T) {
	dir := t.TempDir()
	override := ident.MustNewID()

	inst, err := ident.New(dir, override)
	if err != nil {
		t.Fatalf("New() with override error: %v", err)
	}

	if inst.ID().String() != override {
		t.Errorf("expected override ID %s, got %s", override, inst.ID())
	}
}

func TestNew_InvalidOverride_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	_, err := ident.New(dir, "not-a-valid-ulid")
	if err == nil {
		t.Fatal("expected error for invalid ULID override")
	}
}

func TestNew_EmptyDataDir_ReturnsError(t *testing.T) {
	_, err := ident.New("", "auto")
	if err == nil {
		t.Fatal("expected error for empty dataDir")
	}
}

func TestNew_CreatesDataDirIfAbsent(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "subdir", "data")

	_, err := ident.New(dir, "auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("expected data dir to be created")
	}
}

func TestNew_CorruptIDFile_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	idFile := filepath.Join(dir, "instance_id")
	if err := os.WriteFile(idFile, []byte("garbage-not-a-ulid\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	_, err := ident.New(dir, "auto")
	if err == nil {
		t.Fatal("expected error for corrupt instance_id file")
	}
}

func TestMustNewID_UniqueAcrossCalls(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := ident.MustNewID()
		if ids[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestMustNewID_IsMonotonicallyIncreasing(t *testing.T) {
	a := ident.MustNewID()
	b := ident.MustNewID()
	// ULIDs are lexicographically sortable by time.
	if a >= b {
		t.Errorf("expected %s < %s (ULIDs must be monotonically increasing)", a, b)
	}
}
