package utils

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadPrivateKey reads an OpenSSH private key from path and parses it,
// decrypting with passphrase when one is given.
func LoadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	return parseKey(keyData, passphrase)
}

// ParsePrivateKey parses an inline PEM-encoded private key.
func ParsePrivateKey(keyData, passphrase string) (ssh.Signer, error) {
	return parseKey([]byte(keyData), passphrase)
}

func parseKey(keyData []byte, passphrase string) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
