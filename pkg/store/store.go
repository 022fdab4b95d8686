// Package store is the gateway's only dependency on persistence: JSON blobs
// addressed by slash-separated keys plus append-only JSON Lines logs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by GetJSON when no value exists under the key.
var ErrNotFound = errors.New("store: key not found")

// Store abstracts the gateway's persistence. Implementations are responsible
// for their own concurrency; callers may issue operations from any goroutine.
type Store interface {
	// GetJSON unmarshals the value under key into out. Returns ErrNotFound
	// when the key does not exist.
	GetJSON(key string, out interface{}) error
	// PutJSON replaces the whole value under key.
	PutJSON(key string, value interface{}) error
	// AppendJSONLine appends value as a single JSON line to the log under key.
	AppendJSONLine(key string, value interface{}) error
}

// Key builders for the canonical layouts the gateway uses. User identifiers
// are opaque strings from the outer layer and are URL-encoded before being
// embedded in a key.

func UserVaultKey(userID string) string {
	return "users/" + url.PathEscape(userID) + "/vault.json"
}

func UserHostsKey(userID string) string {
	return "users/" + url.PathEscape(userID) + "/ssh-hosts.json"
}

func UserKnownHostsKey(userID string) string {
	return "users/" + url.PathEscape(userID) + "/known-hosts.json"
}

func AuditKey(day time.Time) string {
	return "audit/" + day.UTC().Format("2006-01-02") + ".jsonl"
}

// FileStore keeps each key as a file under a root directory. A single mutex
// serializes writes; reads of distinct keys race only with their own writers,
// which is acceptable because PutJSON writes via rename.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("store root is empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FileStore) GetJSON(key string, out interface{}) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) PutJSON(key string, value interface{}) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	// Write-then-rename so readers never observe a partial value.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) AppendJSONLine(key string, value interface{}) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)

// MemStore is an in-memory Store used by tests and embedded setups.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	logs  map[string][][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[string][]byte),
		logs:  make(map[string][][]byte),
	}
}

func (s *MemStore) GetJSON(key string, out interface{}) error {
	s.mu.Lock()
	b, ok := s.blobs[key]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(b, out)
}

func (s *MemStore) PutJSON(key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[key] = b
	s.mu.Unlock()
	return nil
}

func (s *MemStore) AppendJSONLine(key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.logs[key] = append(s.logs[key], b)
	s.mu.Unlock()
	return nil
}

// Lines returns the raw JSON lines appended under key.
func (s *MemStore) Lines(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.logs[key]))
	copy(out, s.logs[key])
	return out
}

var _ Store = (*MemStore)(nil)
