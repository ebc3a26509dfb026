package blobstore

import "testing"

func TestMemoryStorageStoreRetrieveDelete(t *testing.T) {
	s := NewMemoryStorage()

	if err := s.Store("a/1", []byte("hello")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	v, err := s.Retrieve("a/1")
	if err != nil || string(v) != "hello" {
		t.Fatalf("Retrieve = %q, %v", v, err)
	}

	if err := s.Delete("a/1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Retrieve("a/1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStorageList(t *testing.T) {
	s := NewMemoryStorage()
	s.Store("messages/user1/msg1", []byte("1"))
	s.Store("messages/user1/msg2", []byte("2"))
	s.Store("messages/user2/msg1", []byte("3"))
	s.Store("other/key", []byte("4"))

	keys, err := s.List("messages/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 keys, got %d", len(keys))
	}
}

func TestLoadOrCreateIdentityKeyPersists(t *testing.T) {
	s := NewMemoryStorage()

	first, err := LoadOrCreateIdentityKey(s, KeyClearnetIdentity)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentityKey: %v", err)
	}

	second, err := LoadOrCreateIdentityKey(s, KeyClearnetIdentity)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentityKey (reload): %v", err)
	}

	if string(first) != string(second) {
		t.Error("expected reloaded key to match the persisted one")
	}
}

func TestLoadOrCreateIdentityKeyRejectsWrongSize(t *testing.T) {
	s := NewMemoryStorage()
	s.Store(KeyOverlayIdentity, []byte("too short"))

	if _, err := LoadOrCreateIdentityKey(s, KeyOverlayIdentity); err == nil {
		t.Error("expected an error for a malformed stored key")
	}
}
