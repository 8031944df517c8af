package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/reportflow/reportflow/pkg/schema"
)

// blobFormatAESGCM tags the on-disk layout of an encrypted credential:
// format byte, GCM nonce, ciphertext. A future key rotation scheme bumps
// the tag instead of guessing from blob length.
const blobFormatAESGCM = 0x01

// defaultKDFRounds is the PBKDF2 iteration count used when the config does
// not override it.
const defaultKDFRounds = 100_000

// credentialName constrains vault keys to what can appear after secret:// in
// a delivery destination option.
var credentialName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// VaultConfig configures how the vault's encryption key is obtained.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive the key via PBKDF2 instead
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 rounds (default defaultKDFRounds)
}

func (cfg VaultConfig) encryptionKey() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	rounds := cfg.Iterations
	if rounds <= 0 {
		rounds = defaultKDFRounds
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, rounds, 32)
}

// AESVault encrypts delivery credentials with AES-256-GCM before they reach
// the store. Each blob is sealed with its credential name as additional
// data, so a blob copied onto another key row fails authentication instead
// of decrypting under the wrong name.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault builds a vault over the given store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.encryptionKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (v *AESVault) seal(name string, plaintext []byte) ([]byte, error) {
	blob := make([]byte, 1+v.aead.NonceSize(), 1+v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	blob[0] = blobFormatAESGCM
	if _, err := rand.Read(blob[1:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(blob, blob[1:], plaintext, []byte(name)), nil
}

func (v *AESVault) open(name string, blob []byte) ([]byte, error) {
	if len(blob) < 1+v.aead.NonceSize() {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "credential %s: stored blob truncated", name)
	}
	if blob[0] != blobFormatAESGCM {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"credential %s: unsupported blob format 0x%02x", name, blob[0])
	}
	nonce := blob[1 : 1+v.aead.NonceSize()]
	plaintext, err := v.aead.Open(nil, nonce, blob[1+v.aead.NonceSize():], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "credential %s: decrypt failed: %s", name, err.Error())
	}
	return plaintext, nil
}

// Store encrypts and persists a credential under the given name.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if !credentialName.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"credential name %q is not usable in a secret:// reference", key)
	}
	blob, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, blob)
}

// Resolve fetches and decrypts a credential. The plaintext lives only in the
// caller's memory; nothing decrypted is written back or logged.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	blob, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, blob)
}

// Delete removes a credential. Runs whose plans still reference it fail at
// the deliver step.
func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns stored credential names; values are never listed.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
