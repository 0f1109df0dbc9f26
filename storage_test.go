package capsule

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeConformance runs the Store contract against s.
func storeConformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeyUser, `{"id":"u1"}`))
	v, ok, err := s.Get(ctx, KeyUser)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"u1"}`, v)

	require.NoError(t, s.Set(ctx, KeyUser, `{"id":"u2"}`))
	v, _, _ = s.Get(ctx, KeyUser)
	assert.Equal(t, `{"id":"u2"}`, v)

	require.NoError(t, s.Set(ctx, KeyLocale, ""))
	v, ok, err = s.Get(ctx, KeyLocale)
	require.NoError(t, err)
	assert.True(t, ok, "empty values are still present")
	assert.Empty(t, v)

	require.NoError(t, s.Remove(ctx, KeyUser))
	_, ok, err = s.Get(ctx, KeyUser)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Remove(ctx, "never-set"))
}

func TestMemoryStore(t *testing.T) {
	storeConformance(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	storeConformance(t, s)

	t.Run("survives reopen", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, KeyPendingRequests, `[{"id":"r1"}]`))
		require.NoError(t, s.Close())

		reopened, err := NewFileStore(path)
		require.NoError(t, err)
		v, ok, err := reopened.Get(ctx, KeyPendingRequests)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `[{"id":"r1"}]`, v)
	})

	t.Run("file is private", func(t *testing.T) {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
		_, err := NewFileStore(bad)
		assert.Error(t, err)
	})
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsule.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	storeConformance(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, KeyAuthTokens, `"tok"`))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	v, ok, err := reopened.Get(ctx, KeyAuthTokens)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"tok"`, v)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0, "capsule-test-"+t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	storeConformance(t, s)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var u User
	ok, err := getJSON(ctx, s, KeyUser, &u)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, setJSON(ctx, s, KeyUser, User{ID: "u1", Name: "Ada"}))
	ok, err = getJSON(ctx, s, KeyUser, &u)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Ada", u.Name)

	require.NoError(t, s.Set(ctx, KeyUser, "{"))
	_, err = getJSON(ctx, s, KeyUser, &u)
	assert.Error(t, err)
}
