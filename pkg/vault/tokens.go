package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// tokenTable is the process-wide registry of unlock tokens. Each token binds
// (userID, masterKey, lastAccess) in memory only; nothing is ever persisted.
// The idle window is sliding: every successful lookup refreshes lastAccess.
type tokenTable struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*tokenEntry

	// now is swappable in tests.
	now func() time.Time
}

type tokenEntry struct {
	userID     string
	masterKey  []byte
	lastAccess time.Time
}

func newTokenTable(ttl time.Duration) *tokenTable {
	return &tokenTable{
		ttl:     ttl,
		entries: make(map[string]*tokenEntry),
		now:     time.Now,
	}
}

func (t *tokenTable) register(userID string, masterKey []byte) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	t.entries[token] = &tokenEntry{
		userID:     userID,
		masterKey:  masterKey,
		lastAccess: t.now(),
	}
	return token, nil
}

// lookup returns the master key bound to token if it belongs to userID and
// has not idled out, refreshing the idle timer.
func (t *tokenTable) lookup(token, userID string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[token]
	if !ok || e.userID != userID {
		return nil, ErrTokenExpired
	}
	now := t.now()
	if now.Sub(e.lastAccess) > t.ttl {
		zeroBytes(e.masterKey)
		delete(t.entries, token)
		return nil, ErrTokenExpired
	}
	e.lastAccess = now
	return e.masterKey, nil
}

func (t *tokenTable) remove(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[token]; ok {
		zeroBytes(e.masterKey)
		delete(t.entries, token)
	}
}

func (t *tokenTable) hasUser(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()
	for _, e := range t.entries {
		if e.userID == userID {
			return true
		}
	}
	return false
}

// sweepLocked drops idled-out entries. Caller holds t.mu.
func (t *tokenTable) sweepLocked() {
	now := t.now()
	for token, e := range t.entries {
		if now.Sub(e.lastAccess) > t.ttl {
			zeroBytes(e.masterKey)
			delete(t.entries, token)
		}
	}
}
