package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/driftgate/driftgate/pkg/store"
)

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer.PublicKey()
}

func TestHostKeyVerifier_FirstUse(t *testing.T) {
	key := testPublicKey(t)
	v := &hostKeyVerifier{}

	if err := v.callback("h:22", nil, key); err != nil {
		t.Fatalf("callback() error = %v", err)
	}
	if !v.newHost() || v.observed != ssh.FingerprintSHA256(key) {
		t.Fatalf("verifier = %+v", v)
	}
}

func TestHostKeyVerifier_Match(t *testing.T) {
	key := testPublicKey(t)
	v := &hostKeyVerifier{known: ssh.FingerprintSHA256(key)}

	if err := v.callback("h:22", nil, key); err != nil {
		t.Fatalf("callback() error = %v", err)
	}
	if v.mismatch || v.newHost() {
		t.Fatalf("verifier = %+v", v)
	}
}

func TestHostKeyVerifier_Mismatch(t *testing.T) {
	v := &hostKeyVerifier{known: ssh.FingerprintSHA256(testPublicKey(t))}

	err := v.callback("h:22", nil, testPublicKey(t))
	if !errors.Is(err, ErrHostKeyMismatch) {
		t.Fatalf("callback() error = %v, want ErrHostKeyMismatch", err)
	}
	if !v.mismatch {
		t.Fatal("mismatch flag not set")
	}
}

func TestKnownHostsRoundTrip(t *testing.T) {
	st := store.NewMemStore()

	known, err := loadKnownHosts(st, "u1")
	if err != nil || len(known) != 0 {
		t.Fatalf("loadKnownHosts(empty) = %v, %v", known, err)
	}

	if err := saveKnownHost(st, "u1", "a.example", "SHA256:aaa"); err != nil {
		t.Fatalf("saveKnownHost() error = %v", err)
	}
	if err := saveKnownHost(st, "u1", "b.example", "SHA256:bbb"); err != nil {
		t.Fatalf("saveKnownHost() error = %v", err)
	}

	known, err = loadKnownHosts(st, "u1")
	if err != nil {
		t.Fatalf("loadKnownHosts() error = %v", err)
	}
	if known["a.example"] != "SHA256:aaa" || known["b.example"] != "SHA256:bbb" {
		t.Fatalf("known = %v", known)
	}

	// Other users see nothing.
	known, err = loadKnownHosts(st, "u2")
	if err != nil || len(known) != 0 {
		t.Fatalf("loadKnownHosts(u2) = %v, %v", known, err)
	}
}

// brokenStore fails every read.
type brokenStore struct{}

func (brokenStore) GetJSON(string, interface{}) error  { return errors.New("disk gone") }
func (brokenStore) PutJSON(string, interface{}) error  { return nil }
func (brokenStore) AppendJSONLine(string, interface{}) error { return nil }

func TestLoadKnownHosts_StoreFailure(t *testing.T) {
	_, err := loadKnownHosts(brokenStore{}, "u1")
	if err == nil {
		t.Fatal("loadKnownHosts() expected error")
	}
	if !strings.HasPrefix(err.Error(), "Failed to verify SSH host key fingerprint") {
		t.Fatalf("error = %q, want the host key verification failure string", err)
	}
}
