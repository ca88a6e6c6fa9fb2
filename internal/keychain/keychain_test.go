package keychain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Unit tests use MemoryStore, no macOS Keychain interaction needed.

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	if err := s.Set("anthropic-api-key", "sk-first"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Set("anthropic-api-key", "sk-second")

	val, err := s.Get("anthropic-api-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != "sk-second" {
		t.Errorf("expected overwritten value, got %q", val)
	}

	if err := s.Delete("anthropic-api-key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("anthropic-api-key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("never-existed"); err != nil {
		t.Errorf("Delete nonexistent: %v", err)
	}
}

func TestMemoryStoreListSorted(t *testing.T) {
	s := NewMemoryStore()
	s.Set("b", "1")
	s.Set("a", "1")
	s.Set("c", "1")

	listed, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 3 || listed[0] != "a" || listed[2] != "c" {
		t.Errorf("expected sorted keys, got %v", listed)
	}
}

func TestMemoryStoreZeroValue(t *testing.T) {
	var s MemoryStore

	if keys, err := s.List(); err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys, got %v %v", keys, err)
	}
	if err := s.Set("token", "v"); err != nil {
		t.Fatalf("Set on zero value: %v", err)
	}
	if err := s.Set("", "v"); err == nil {
		t.Error("expected an empty key to be rejected")
	}
	if v, err := s.Get("token"); err != nil || v != "v" {
		t.Errorf("expected stored value, got %q %v", v, err)
	}
}

func TestResolveAPIKeyOrder(t *testing.T) {
	t.Setenv("WATCHMIN_TEST_KEY_A", "")
	t.Setenv("WATCHMIN_TEST_KEY_B", "  from-env-b\n")

	file := filepath.Join(t.TempDir(), "anthropic.key")
	os.WriteFile(file, []byte("from-file\n"), 0600)

	store := NewMemoryStore()
	store.Set("anthropic-api-key", "from-store")

	src := KeySources{
		Env:      []string{"WATCHMIN_TEST_KEY_A", "WATCHMIN_TEST_KEY_B"},
		File:     file,
		Store:    store,
		StoreKey: "anthropic-api-key",
	}

	key, from, err := ResolveAPIKey(src)
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if key != "from-env-b" || from != "$WATCHMIN_TEST_KEY_B" {
		t.Errorf("expected env key, got %q from %q", key, from)
	}

	src.Env = nil
	key, from, _ = ResolveAPIKey(src)
	if key != "from-file" || from != file {
		t.Errorf("expected file key, got %q from %q", key, from)
	}

	src.File = filepath.Join(t.TempDir(), "missing.key")
	key, _, _ = ResolveAPIKey(src)
	if key != "from-store" {
		t.Errorf("expected store key, got %q", key)
	}
}

func TestResolveAPIKeyNotFound(t *testing.T) {
	_, _, err := ResolveAPIKey(KeySources{
		File:     filepath.Join(t.TempDir(), "missing.key"),
		Store:    NewMemoryStore(),
		StoreKey: "anthropic-api-key",
	})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestResolveAPIKeyEmptyFileFallsThrough(t *testing.T) {
	file := filepath.Join(t.TempDir(), "anthropic.key")
	os.WriteFile(file, []byte("\n"), 0600)

	store := NewMemoryStore()
	store.Set("k", "from-store")

	key, _, err := ResolveAPIKey(KeySources{File: file, Store: store, StoreKey: "k"})
	if err != nil || key != "from-store" {
		t.Errorf("expected store key, got %q, %v", key, err)
	}
}
