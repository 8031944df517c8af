// Package secrets keeps delivery credentials encrypted at rest. Deliver
// destinations reference them as secret://<key> in their options; the deliver
// step resolves references in-memory just before handing off the artifact.
package secrets

import "context"

// Vault resolves secret references at runtime.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore; values arrive already encrypted.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
