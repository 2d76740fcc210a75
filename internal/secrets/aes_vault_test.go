package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/internal/store"
	"github.com/tako0614/takos-agent/pkg/schema"
)

func testVault(t *testing.T) (*AESVault, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(st, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, st
}

func TestVaultStoreAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "openai_api_key", []byte("sk-secret-123")))

	val, err := v.Resolve(ctx, "openai_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-secret-123"), val)
}

func TestVaultEncryptedAtRest(t *testing.T) {
	v, st := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "token", []byte("plaintext-value")))

	raw, err := st.GetSecret(ctx, "token")
	require.NoError(t, err)
	assert.NotEqual(t, []byte("plaintext-value"), raw)
	assert.Greater(t, len(raw), len("plaintext-value"))
}

func TestVaultPassphraseDerivation(t *testing.T) {
	st := store.NewMemoryStore()
	v, err := NewAESVault(st, VaultConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k", []byte("value")))
	val, err := v.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestVaultWrongKeyCannotDecrypt(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, err := NewAESVault(st, VaultConfig{MasterKey: key1})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, err := NewAESVault(st, VaultConfig{MasterKey: key2})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "secret")
	require.Error(t, err)

	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeVault, agentErr.Code)
}

func TestVaultDeleteAndNotFound(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("val")))
	require.NoError(t, v.Delete(ctx, "key"))

	_, err := v.Resolve(ctx, "key")
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeNotFound, agentErr.Code)
}

func TestVaultListAndOverwrite(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a_key", []byte("1")))
	require.NoError(t, v.Store(ctx, "b_key", []byte("2")))
	require.NoError(t, v.Store(ctx, "a_key", []byte("3")))

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_key", "b_key"}, keys)

	val, err := v.Resolve(ctx, "a_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), val)
}

func TestVaultKeyDerivationErrors(t *testing.T) {
	st := store.NewMemoryStore()

	_, err := NewAESVault(st, VaultConfig{MasterKey: []byte("too-short")})
	require.Error(t, err)
	var agentErr *schema.AgentError
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, schema.ErrCodeVault, agentErr.Code)

	_, err = NewAESVault(st, VaultConfig{})
	require.Error(t, err)

	_, err = NewAESVault(st, VaultConfig{Passphrase: "pass"})
	require.Error(t, err)
}

func TestVaultUniqueNonces(t *testing.T) {
	v, st := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k1", []byte("same-value")))
	require.NoError(t, v.Store(ctx, "k2", []byte("same-value")))

	ct1, err := st.GetSecret(ctx, "k1")
	require.NoError(t, err)
	ct2, err := st.GetSecret(ctx, "k2")
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestVaultLookupFallsBack(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.Store(ctx, "stored", []byte("from-vault")))

	lookup := Lookup(v, func(key string) string {
		if key == "env_only" {
			return "from-env"
		}
		return ""
	})

	assert.Equal(t, "from-vault", lookup("stored"))
	assert.Equal(t, "from-env", lookup("env_only"))
	assert.Empty(t, lookup("missing"))
}
