package vault

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/driftgate/driftgate/pkg/store"
)

func TestMain(m *testing.M) {
	// Shrink the KDF so the suite doesn't spend minutes in Argon2id.
	kdf = kdfParams{time: 1, memory: 8 * 1024, threads: 1}
	os.Exit(m.Run())
}

func newTestService() (*Service, *store.MemStore) {
	st := store.NewMemStore()
	return NewService(st, 30*time.Minute), st
}

func TestInitUnlockWithSecretsRoundTrip(t *testing.T) {
	svc, _ := newTestService()

	phrase, err := svc.Init("u1", "p@ss", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if words := strings.Fields(phrase); len(words) != 12 {
		t.Fatalf("recovery phrase has %d words, want 12", len(words))
	}

	token, ttl, err := svc.Unlock("u1", "p@ss")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if ttl != 30*time.Minute {
		t.Fatalf("Unlock() ttl = %v", ttl)
	}

	if err := svc.WithSecrets(token, "u1", func(s *Secrets) error {
		s.Put("k", Secret{Password: "sshpw"})
		return nil
	}); err != nil {
		t.Fatalf("WithSecrets(write) error = %v", err)
	}

	svc.Lock(token)
	if err := svc.WithSecrets(token, "u1", func(*Secrets) error { return nil }); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("WithSecrets after Lock error = %v, want ErrTokenExpired", err)
	}

	token2, _, err := svc.Unlock("u1", "p@ss")
	if err != nil {
		t.Fatalf("second Unlock() error = %v", err)
	}
	var got Secret
	if err := svc.WithSecrets(token2, "u1", func(s *Secrets) error {
		sec, ok := s.Get("k")
		if !ok {
			t.Fatalf("secret %q missing", "k")
		}
		got = sec
		return nil
	}); err != nil {
		t.Fatalf("WithSecrets(read) error = %v", err)
	}
	if got.Password != "sshpw" {
		t.Fatalf("secret password = %q, want sshpw", got.Password)
	}
}

func TestInitTwiceFails(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Init("u1", "p", ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := svc.Init("u1", "other", ""); !errors.Is(err, ErrVaultExists) {
		t.Fatalf("second Init() error = %v, want ErrVaultExists", err)
	}
}

func TestWrongPassphraseIsGeneric(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Init("u1", "correct", ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for _, bad := range []string{"", "wrong", "correc", "correctx"} {
		if _, _, err := svc.Unlock("u1", bad); !errors.Is(err, ErrInvalidPassphrase) {
			t.Fatalf("Unlock(%q) error = %v, want ErrInvalidPassphrase", bad, err)
		}
	}
}

func TestRecoverRotatesWrappersKeepsSecrets(t *testing.T) {
	svc, _ := newTestService()

	phrase, err := svc.Init("u1", "old-pass", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	token, _, err := svc.Unlock("u1", "old-pass")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := svc.WithSecrets(token, "u1", func(s *Secrets) error {
		s.Put("srv", Secret{PrivateKey: "-----BEGIN KEY-----"})
		return nil
	}); err != nil {
		t.Fatalf("WithSecrets(write) error = %v", err)
	}

	token2, nextPhrase, err := svc.Recover("u1", phrase, "new-pass", "")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if nextPhrase == phrase {
		t.Fatalf("recovery phrase was not rotated")
	}

	// The old passphrase must no longer unlock; the new one must.
	if _, _, err := svc.Unlock("u1", "old-pass"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("Unlock(old) error = %v, want ErrInvalidPassphrase", err)
	}
	token3, _, err := svc.Unlock("u1", "new-pass")
	if err != nil {
		t.Fatalf("Unlock(new) error = %v", err)
	}

	for _, tok := range []string{token2, token3} {
		if err := svc.WithSecrets(tok, "u1", func(s *Secrets) error {
			sec, ok := s.Get("srv")
			if !ok || sec.PrivateKey != "-----BEGIN KEY-----" {
				t.Fatalf("secrets did not survive recovery: %+v ok=%v", sec, ok)
			}
			return nil
		}); err != nil {
			t.Fatalf("WithSecrets error = %v", err)
		}
	}

	// The old recovery phrase must be dead too.
	if _, _, err := svc.Recover("u1", phrase, "x", ""); !errors.Is(err, ErrInvalidRecovery) {
		t.Fatalf("Recover(old phrase) error = %v, want ErrInvalidRecovery", err)
	}
}

func TestMutationUsesFreshNonce(t *testing.T) {
	svc, st := newTestService()
	if _, err := svc.Init("u1", "p", ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	token, _, err := svc.Unlock("u1", "p")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	read := func() storedVault {
		var sv storedVault
		if err := st.GetJSON(store.UserVaultKey("u1"), &sv); err != nil {
			t.Fatalf("GetJSON() error = %v", err)
		}
		return sv
	}

	before := read()
	if err := svc.WithSecrets(token, "u1", func(s *Secrets) error {
		s.Put("a", Secret{Password: "x"})
		return nil
	}); err != nil {
		t.Fatalf("WithSecrets() error = %v", err)
	}
	mid := read()
	if bytes.Equal(before.SecretsNonce, mid.SecretsNonce) {
		t.Fatalf("nonce reused across mutation")
	}
	if bytes.Equal(before.SecretsCiphertext, mid.SecretsCiphertext) {
		t.Fatalf("ciphertext unchanged across mutation")
	}

	// A read-only callback must not rewrite the stored vault.
	if err := svc.WithSecrets(token, "u1", func(s *Secrets) error {
		_, _ = s.Get("a")
		return nil
	}); err != nil {
		t.Fatalf("WithSecrets(read) error = %v", err)
	}
	after := read()
	if !bytes.Equal(mid.SecretsNonce, after.SecretsNonce) {
		t.Fatalf("read-only access rewrote the secrets blob")
	}
}

func TestTokenIdleExpiry(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Init("u1", "p", ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	token, _, err := svc.Unlock("u1", "p")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	now := time.Now()
	svc.tokens.now = func() time.Time { return now }

	// Accesses inside the window keep the token alive (sliding expiry).
	for i := 0; i < 3; i++ {
		now = now.Add(20 * time.Minute)
		if err := svc.WithSecrets(token, "u1", func(*Secrets) error { return nil }); err != nil {
			t.Fatalf("WithSecrets at +%dm error = %v", 20*(i+1), err)
		}
	}

	now = now.Add(31 * time.Minute)
	if err := svc.WithSecrets(token, "u1", func(*Secrets) error { return nil }); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired token error = %v, want ErrTokenExpired", err)
	}

	st, err := svc.Status("u1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Initialized || st.Unlocked {
		t.Fatalf("Status() = %+v, want initialized and locked", st)
	}
}

func TestTokenBoundToUser(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Init("u1", "p", ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	token, _, err := svc.Unlock("u1", "p")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := svc.WithSecrets(token, "u2", func(*Secrets) error { return nil }); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("cross-user WithSecrets error = %v, want ErrTokenExpired", err)
	}
}

func TestCorruptedVault(t *testing.T) {
	svc, st := newTestService()
	if err := st.PutJSON(store.UserVaultKey("u1"), map[string]any{"version": 9}); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	if _, _, err := svc.Unlock("u1", "p"); !errors.Is(err, ErrVaultCorrupted) {
		t.Fatalf("Unlock() error = %v, want ErrVaultCorrupted", err)
	}
}
