package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/driftgate/driftgate/pkg/store"
)

// Trust-on-first-use host key verification. The verifier accepts unknown
// hosts and records the observed fingerprint; the fingerprint is only
// persisted after the full connection (including auth) succeeds, so the
// gateway never learns keys from probes that fail later.

type hostKeyVerifier struct {
	known    string // "" when the host has no record
	observed string // fingerprint seen during the handshake
	mismatch bool
}

// callback is installed as the ssh.ClientConfig HostKeyCallback.
func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fp := ssh.FingerprintSHA256(key)
	if v.known == "" {
		v.observed = fp
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(v.known), []byte(fp)) == 1 {
		return nil
	}
	v.mismatch = true
	return ErrHostKeyMismatch
}

// newHost reports whether the handshake observed a fingerprint that still
// needs persisting.
func (v *hostKeyVerifier) newHost() bool {
	return v.known == "" && v.observed != ""
}

func loadKnownHosts(st store.Store, userID string) (map[string]string, error) {
	var m map[string]string
	err := st.GetJSON(store.UserKnownHostsKey(userID), &m)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to verify SSH host key fingerprint: %w", err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func saveKnownHost(st store.Store, userID, host, fingerprint string) error {
	m, err := loadKnownHosts(st, userID)
	if err != nil {
		return err
	}
	m[host] = fingerprint
	if err := st.PutJSON(store.UserKnownHostsKey(userID), m); err != nil {
		return fmt.Errorf("persist known hosts: %w", err)
	}
	return nil
}
