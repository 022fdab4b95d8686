// Package vault implements the per-user encrypted secret bundle.
//
// A vault stores SSH credentials (passwords, private keys, key passphrases)
// encrypted under a random 256-bit master key. The master key itself is never
// stored in the clear: it is kept as two independently wrapped copies, one
// under the user's passphrase and one under a recovery phrase, so either can
// unlock the vault and losing the passphrase is survivable.
//
// Crypto: Argon2id for the passphrase KDF, ChaCha20-Poly1305 (96-bit nonce)
// for both the key wrappers and the secrets blob. The recovery phrase is a
// BIP-39 mnemonic carrying 128 bits of entropy.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/driftgate/driftgate/pkg/store"
)

var (
	ErrVaultExists         = errors.New("vault already initialized")
	ErrVaultNotInitialized = errors.New("vault not initialized")
	ErrVaultCorrupted      = errors.New("vault corrupted")
	ErrInvalidPassphrase   = errors.New("Invalid passphrase")
	ErrInvalidRecovery     = errors.New("invalid recovery phrase")
	ErrTokenExpired        = errors.New("vault session expired")
)

// Argon2id parameters. Calibrated so a single derivation costs on the order
// of 100ms+ on a modern server CPU.
type kdfParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
}

var kdf = kdfParams{time: 3, memory: 64 * 1024, threads: 4}

const (
	saltLen      = 16
	masterKeyLen = 32
	wrapKeyLen   = 32
	// Recovery mnemonic entropy in bits.
	recoveryEntropyBits = 128
)

// wrapper is one AEAD-encrypted copy of the master key. Ciphertext carries
// the Poly1305 tag appended by Seal.
type wrapper struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// storedVault is the persisted form. It never contains plaintext secrets,
// the passphrase, or the master key.
type storedVault struct {
	Version           int       `json:"version"`
	PassphraseWrapper wrapper   `json:"passphrase_wrapper"`
	RecoveryWrapper   wrapper   `json:"recovery_wrapper"`
	SecretsNonce      []byte    `json:"secrets_nonce"`
	SecretsCiphertext []byte    `json:"secrets_ciphertext"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Secret is one credential bundle addressed by a secret id.
type Secret struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Secrets is the decrypted bundle handed to WithSecrets callbacks. Mutations
// bump an internal version counter so the service knows to re-encrypt.
type Secrets struct {
	m       map[string]Secret
	version int
}

func (s *Secrets) Get(id string) (Secret, bool) {
	sec, ok := s.m[id]
	return sec, ok
}

func (s *Secrets) Put(id string, sec Secret) {
	s.m[id] = sec
	s.version++
}

func (s *Secrets) Delete(id string) bool {
	if _, ok := s.m[id]; !ok {
		return false
	}
	delete(s.m, id)
	s.version++
	return true
}

func (s *Secrets) IDs() []string {
	ids := make([]string, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	return ids
}

func (s *Secrets) Len() int { return len(s.m) }

// Status reports vault state for a user. Unlocked means at least one
// non-expired token exists.
type Status struct {
	Initialized bool `json:"initialized"`
	Unlocked    bool `json:"unlocked"`
}

// Service manages stored vaults and the in-memory unlock token table.
type Service struct {
	store    store.Store
	tokenTTL time.Duration

	tokens *tokenTable
}

func NewService(st store.Store, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 30 * time.Minute
	}
	return &Service{
		store:    st,
		tokenTTL: tokenTTL,
		tokens:   newTokenTable(tokenTTL),
	}
}

// Init creates a vault for userID. If recoveryPhrase is empty a fresh BIP-39
// mnemonic is generated. The phrase is returned exactly once and cannot be
// recovered later.
func (s *Service) Init(userID, passphrase, recoveryPhrase string) (string, error) {
	key := store.UserVaultKey(userID)

	var existing storedVault
	err := s.store.GetJSON(key, &existing)
	if err == nil {
		return "", ErrVaultExists
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load vault: %w", err)
	}

	if recoveryPhrase == "" {
		recoveryPhrase, err = newRecoveryPhrase()
		if err != nil {
			return "", err
		}
	}

	masterKey := make([]byte, masterKeyLen)
	if _, err := rand.Read(masterKey); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	defer zeroBytes(masterKey)

	pw, err := wrapKey(passphrase, masterKey)
	if err != nil {
		return "", err
	}
	rw, err := wrapKey(recoveryPhrase, masterKey)
	if err != nil {
		return "", err
	}

	nonce, ct, err := encryptSecrets(masterKey, map[string]Secret{})
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	sv := storedVault{
		Version:           1,
		PassphraseWrapper: pw,
		RecoveryWrapper:   rw,
		SecretsNonce:      nonce,
		SecretsCiphertext: ct,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.PutJSON(key, &sv); err != nil {
		return "", fmt.Errorf("persist vault: %w", err)
	}
	return recoveryPhrase, nil
}

// Unlock derives the wrapping key from passphrase and attempts to open the
// passphrase wrapper. Any failure, including a tag mismatch, reports the same
// ErrInvalidPassphrase so callers cannot distinguish causes.
func (s *Service) Unlock(userID, passphrase string) (string, time.Duration, error) {
	sv, err := s.load(userID)
	if err != nil {
		return "", 0, err
	}
	masterKey, err := unwrapKey(passphrase, sv.PassphraseWrapper)
	if err != nil {
		return "", 0, ErrInvalidPassphrase
	}
	token, err := s.tokens.register(userID, masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return "", 0, err
	}
	return token, s.tokenTTL, nil
}

// Recover unlocks via the recovery wrapper, then rewrites both wrappers: the
// passphrase wrapper under newPassphrase and the recovery wrapper under
// nextRecoveryPhrase (freshly generated if empty). The master key is kept, so
// the secrets blob does not need re-encryption. Returns a fresh token and the
// new recovery phrase.
func (s *Service) Recover(userID, recoveryPhrase, newPassphrase, nextRecoveryPhrase string) (string, string, error) {
	sv, err := s.load(userID)
	if err != nil {
		return "", "", err
	}
	masterKey, err := unwrapKey(recoveryPhrase, sv.RecoveryWrapper)
	if err != nil {
		return "", "", ErrInvalidRecovery
	}

	if nextRecoveryPhrase == "" {
		nextRecoveryPhrase, err = newRecoveryPhrase()
		if err != nil {
			zeroBytes(masterKey)
			return "", "", err
		}
	}

	pw, err := wrapKey(newPassphrase, masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return "", "", err
	}
	rw, err := wrapKey(nextRecoveryPhrase, masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return "", "", err
	}

	sv.PassphraseWrapper = pw
	sv.RecoveryWrapper = rw
	sv.UpdatedAt = time.Now().UTC()
	if err := s.store.PutJSON(store.UserVaultKey(userID), sv); err != nil {
		zeroBytes(masterKey)
		return "", "", fmt.Errorf("persist vault: %w", err)
	}

	token, err := s.tokens.register(userID, masterKey)
	if err != nil {
		zeroBytes(masterKey)
		return "", "", err
	}
	return token, nextRecoveryPhrase, nil
}

// Lock removes the token and zeroes its in-memory master key.
func (s *Service) Lock(token string) {
	s.tokens.remove(token)
}

// WithSecrets decrypts the secrets blob, invokes fn, and re-encrypts with a
// fresh nonce and writes back if fn mutated the bundle. The token must belong
// to userID and be unexpired; a successful use refreshes its idle timer.
func (s *Service) WithSecrets(token, userID string, fn func(*Secrets) error) error {
	masterKey, err := s.tokens.lookup(token, userID)
	if err != nil {
		return err
	}

	sv, err := s.load(userID)
	if err != nil {
		return err
	}

	m, err := decryptSecrets(masterKey, sv.SecretsNonce, sv.SecretsCiphertext)
	if err != nil {
		return ErrVaultCorrupted
	}
	secrets := &Secrets{m: m}

	if err := fn(secrets); err != nil {
		return err
	}

	if secrets.version == 0 {
		return nil
	}

	nonce, ct, err := encryptSecrets(masterKey, secrets.m)
	if err != nil {
		return err
	}
	sv.SecretsNonce = nonce
	sv.SecretsCiphertext = ct
	sv.UpdatedAt = time.Now().UTC()
	if err := s.store.PutJSON(store.UserVaultKey(userID), sv); err != nil {
		return fmt.Errorf("persist vault: %w", err)
	}
	return nil
}

// Status reports whether the user's vault exists and whether any unexpired
// token is registered for them.
func (s *Service) Status(userID string) (Status, error) {
	var sv storedVault
	err := s.store.GetJSON(store.UserVaultKey(userID), &sv)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("load vault: %w", err)
	}
	return Status{Initialized: true, Unlocked: s.tokens.hasUser(userID)}, nil
}

func (s *Service) load(userID string) (*storedVault, error) {
	var sv storedVault
	err := s.store.GetJSON(store.UserVaultKey(userID), &sv)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVaultNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	if sv.Version != 1 ||
		len(sv.PassphraseWrapper.Salt) != saltLen ||
		len(sv.RecoveryWrapper.Salt) != saltLen ||
		len(sv.PassphraseWrapper.Nonce) != chacha20poly1305.NonceSize ||
		len(sv.RecoveryWrapper.Nonce) != chacha20poly1305.NonceSize ||
		len(sv.SecretsNonce) != chacha20poly1305.NonceSize {
		return nil, ErrVaultCorrupted
	}
	return &sv, nil
}

// --- crypto helpers ---

func deriveWrapKey(phrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(phrase), salt, kdf.time, kdf.memory, kdf.threads, wrapKeyLen)
}

func wrapKey(phrase string, masterKey []byte) (wrapper, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return wrapper{}, fmt.Errorf("generate salt: %w", err)
	}
	wk := deriveWrapKey(phrase, salt)
	defer zeroBytes(wk)

	aead, err := chacha20poly1305.New(wk)
	if err != nil {
		return wrapper{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return wrapper{}, fmt.Errorf("generate nonce: %w", err)
	}
	return wrapper{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, masterKey, nil),
	}, nil
}

func unwrapKey(phrase string, w wrapper) ([]byte, error) {
	wk := deriveWrapKey(phrase, w.Salt)
	defer zeroBytes(wk)

	aead, err := chacha20poly1305.New(wk)
	if err != nil {
		return nil, err
	}
	masterKey, err := aead.Open(nil, w.Nonce, w.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	if len(masterKey) != masterKeyLen {
		return nil, errors.New("unexpected master key length")
	}
	return masterKey, nil
}

func encryptSecrets(masterKey []byte, m map[string]Secret) (nonce, ciphertext []byte, err error) {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	defer zeroBytes(plaintext)

	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func decryptSecrets(masterKey, nonce, ciphertext []byte) (map[string]Secret, error) {
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	var m map[string]Secret
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]Secret)
	}
	return m, nil
}

func newRecoveryPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(recoveryEntropyBits)
	if err != nil {
		return "", fmt.Errorf("generate recovery entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("encode recovery phrase: %w", err)
	}
	return phrase, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
