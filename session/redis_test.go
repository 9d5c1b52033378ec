package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/entities"
)

func newRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &RedisConfig{Addrs: []string{mr.Addr()}}
	store, err := cfg.Open(testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	require.NoError(t, store.Set(ctx, s))

	// The key layout is part of the persisted contract.
	require.True(t, mr.Exists("code~"+s.Code))
	ttl := mr.TTL("code~" + s.Code)
	assert.InDelta(t, float64(600*time.Second), float64(ttl), float64(2*time.Second))

	got, err := store.Get(ctx, TypeCode, s.Code, false)
	require.NoError(t, err)
	assert.Equal(t, s.Code, got.Code)
	assert.Equal(t, "cheese/cheese", got.Payload.Tenant)

	assert.ErrorIs(t, store.Set(ctx, s), ErrCodeTaken)
}

func TestRedisStoreSingleUse(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	require.NoError(t, store.Set(ctx, s))

	_, err := store.Get(ctx, TypeCode, s.Code, true)
	require.NoError(t, err)
	_, err = store.Get(ctx, TypeCode, s.Code, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 10)
	require.NoError(t, store.Set(ctx, s))

	mr.FastForward(11 * time.Second)

	_, err := store.Get(ctx, TypeCode, s.Code, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreWipeAndCounts(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	mine := testSession(TypeRefresh, NewCode(), 600)
	other := testSession(TypeRefresh, NewCode(), 600)
	other.Payload.Subject = "someone-else@example.com"
	other.Payload.Audience = entities.Audience{"other"}
	login := LoginSession{ID: "e942df47-0b5e-4a23-a493-53e2bb4eb491", CreatedAt: time.Now()}

	require.NoError(t, store.Set(ctx, mine))
	require.NoError(t, store.Set(ctx, other))
	require.NoError(t, store.Push(ctx, login))

	n, err := store.CountForTenant(ctx, "cheese/cheese", TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.CountForClient(ctx, "spa", TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Wipe(ctx, "cheese/cheese", "user@example.com"))

	_, err = store.Get(ctx, TypeRefresh, mine.Code, false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, TypeRefresh, other.Code, false)
	assert.NoError(t, err)

	// The login session is untouched by a wipe.
	ok, err := store.Pull(ctx, login.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreHealth(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	assert.True(t, store.IsHealthy(ctx))
	mr.Close()
	assert.False(t, store.IsHealthy(ctx))
}
