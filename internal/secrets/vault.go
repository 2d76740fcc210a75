package secrets

import "context"

// Vault stores provider credentials encrypted at rest and resolves them
// in-memory only. Plaintext never reaches the persistence layer.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Lookup adapts a vault to the plain key-to-string lookup the provider
// registry expects. Keys missing from the vault fall through to fallback,
// so environment variables keep working alongside stored secrets.
func Lookup(v Vault, fallback func(string) string) func(string) string {
	return func(key string) string {
		if v != nil {
			if value, err := v.Resolve(context.Background(), key); err == nil {
				return string(value)
			}
		}
		if fallback != nil {
			return fallback(key)
		}
		return ""
	}
}
