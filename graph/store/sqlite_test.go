package store_test

import (
	"path/filepath"
	"testing"

	"github.com/hiverun/hive/graph/store"
)

func TestSQLiteStoreContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	testCheckpointStoreContract(t, s)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	testCheckpointStoreContract(t, s)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s1, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	cp := newCheckpoint("persisted-thread", 1)
	if err := s1.Save(t.Context(), cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen NewSQLiteStore: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, ok, err := s2.LoadLatest(t.Context(), "persisted-thread")
	if err != nil || !ok {
		t.Fatalf("LoadLatest after reopen: ok=%v err=%v", ok, err)
	}
	if got.ID != cp.ID {
		t.Fatalf("LoadLatest after reopen id = %q, want %q", got.ID, cp.ID)
	}
}
