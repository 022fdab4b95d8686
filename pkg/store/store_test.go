package store

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_PutGetRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	type blob struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	key := UserHostsKey("user one")
	if err := s.PutJSON(key, blob{Name: "a", N: 7}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}

	var got blob
	if err := s.GetJSON(key, &got); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got.Name != "a" || got.N != 7 {
		t.Fatalf("GetJSON() = %+v", got)
	}
}

func TestFileStore_GetMissingReturnsNotFound(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	var out map[string]string
	if err := s.GetJSON("users/nobody/vault.json", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJSON() error = %v, want ErrNotFound", err)
	}
}

func TestFileStore_AppendJSONLine(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	key := AuditKey(day)
	for i := 0; i < 3; i++ {
		if err := s.AppendJSONLine(key, map[string]int{"i": i}); err != nil {
			t.Fatalf("AppendJSONLine() error = %v", err)
		}
	}

	f, err := os.Open(filepath.Join(root, "audit", "2026-03-14.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	if lines != 3 {
		t.Fatalf("log lines = %d, want 3", lines)
	}
}

func TestFileStore_RejectsTraversalKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := s.PutJSON("../outside.json", 1); err == nil {
		t.Fatalf("expected error for traversal key")
	}
	if err := s.PutJSON("/abs.json", 1); err == nil {
		t.Fatalf("expected error for absolute key")
	}
}

func TestUserKeys_EncodeUserID(t *testing.T) {
	if got := UserVaultKey("a/b c"); got != "users/a%2Fb%20c/vault.json" {
		t.Fatalf("UserVaultKey() = %q", got)
	}
	if got := UserKnownHostsKey("u1"); got != "users/u1/known-hosts.json" {
		t.Fatalf("UserKnownHostsKey() = %q", got)
	}
}
