package secrets

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/pkg/schema"
)

type memSecretStore struct {
	values map[string][]byte
}

func newMemSecretStore() *memSecretStore {
	return &memSecretStore{values: make(map[string][]byte)}
}

func (m *memSecretStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *memSecretStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", key)
	}
	return v, nil
}

func (m *memSecretStore) DeleteSecret(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func (m *memSecretStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestVault(t *testing.T) (*AESVault, *memSecretStore) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	store := newMemSecretStore()
	vault, err := NewAESVault(store, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return vault, store
}

func TestVaultRoundTrip(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "sftp_password", []byte("hunter2")))

	got, err := vault.Resolve(ctx, "sftp_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)
}

func TestVaultEncryptsAtRest(t *testing.T) {
	vault, store := newTestVault(t)

	require.NoError(t, vault.Store(context.Background(), "api_token", []byte("tok-123")))
	blob := store.values["api_token"]
	assert.NotContains(t, string(blob), "tok-123")
	assert.Equal(t, byte(blobFormatAESGCM), blob[0])
}

func TestVaultRejectsUnusableCredentialNames(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	for _, name := range []string{"", "has space", "slash/name", ".leading-dot", "secret://nested"} {
		err := vault.Store(ctx, name, []byte("v"))
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "name %q", name)
	}
	assert.NoError(t, vault.Store(ctx, "warehouse.sftp_password-v2", []byte("v")))
}

func TestVaultBlobBoundToCredentialName(t *testing.T) {
	vault, store := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "prod_token", []byte("tok-prod")))

	// A blob copied onto another key row must not decrypt under that name.
	store.values["staging_token"] = append([]byte(nil), store.values["prod_token"]...)
	_, err := vault.Resolve(ctx, "staging_token")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestVaultPassphraseDerivation(t *testing.T) {
	store := newMemSecretStore()
	salt := []byte("reportflow-salt")

	v1, err := NewAESVault(store, VaultConfig{Passphrase: "correct horse", Salt: salt})
	require.NoError(t, err)
	require.NoError(t, v1.Store(context.Background(), "k", []byte("v")))

	// Same passphrase and salt decrypts what the first vault wrote.
	v2, err := NewAESVault(store, VaultConfig{Passphrase: "correct horse", Salt: salt})
	require.NoError(t, err)
	got, err := v2.Resolve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// A different passphrase fails authentication.
	v3, err := NewAESVault(store, VaultConfig{Passphrase: "wrong", Salt: salt})
	require.NoError(t, err)
	_, err = v3.Resolve(context.Background(), "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestVaultConfigValidation(t *testing.T) {
	store := newMemSecretStore()

	_, err := NewAESVault(store, VaultConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(store, VaultConfig{Passphrase: "p"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(store, VaultConfig{MasterKey: []byte("short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestVaultDeleteAndList(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "a", []byte("1")))
	require.NoError(t, vault.Store(ctx, "b", []byte("2")))

	keys, err := vault.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, vault.Delete(ctx, "a"))
	_, err = vault.Resolve(ctx, "a")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestVaultRejectsCorruptBlobs(t *testing.T) {
	vault, store := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, vault.Store(ctx, "k", []byte("v")))

	// Flipped ciphertext byte.
	store.values["k"][len(store.values["k"])-1] ^= 0xff
	_, err := vault.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	// Unknown format tag.
	require.NoError(t, vault.Store(ctx, "k", []byte("v")))
	store.values["k"][0] = 0x7f
	_, err = vault.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	// Truncated blob.
	store.values["k"] = store.values["k"][:3]
	_, err = vault.Resolve(ctx, "k")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}
