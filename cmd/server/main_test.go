package main

import (
	"context"
	"testing"
	"time"

	"github.com/ashokvn/mlpipe/internal/store"
	"github.com/ashokvn/mlpipe/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── bootstrap key tests ─────────────────────────────────────────────────────

func TestBootstrapAPIKey_SeedsEmptyStore(t *testing.T) {
	st := store.NewMemoryStore()
	rawKey := "mp_bootstrap_1234567890abcdef"

	require.NoError(t, bootstrapAPIKey(context.Background(), st, rawKey))

	keys, err := st.ListAPIKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)

	key := keys[0]
	assert.Equal(t, "bootstrap", key.Name)
	assert.Equal(t, rawKey[:8], key.KeyPrefix)
	assert.ElementsMatch(t,
		[]string{models.ScopeRead, models.ScopeSubmit, models.ScopeAdmin}, key.Scopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)))
}

func TestBootstrapAPIKey_NoopWhenKeysExist(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, st.CreateAPIKey(context.Background(), &models.APIKey{
		ID: uuid.New(), Name: "existing", KeyHash: "x", KeyPrefix: "mp_exist",
		Scopes: []string{models.ScopeRead}, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, bootstrapAPIKey(context.Background(), st, "mp_bootstrap_1234567890abcdef"))

	keys, err := st.ListAPIKeys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, "existing", keys[0].Name)
}

func TestBootstrapAPIKey_EmptyEnvIsAllowed(t *testing.T) {
	st := store.NewMemoryStore()

	require.NoError(t, bootstrapAPIKey(context.Background(), st, ""))

	keys, err := st.ListAPIKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBootstrapAPIKey_RejectsShortKey(t *testing.T) {
	st := store.NewMemoryStore()

	err := bootstrapAPIKey(context.Background(), st, "tooshort")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "16 characters")
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	// Clear all env vars that config.Load() requires
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "PIPELINE_PROJECT_DIR",
	} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("PIPELINE_PROJECT_DIR", t.TempDir())

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
