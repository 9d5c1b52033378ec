package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.New("error", "text")
	require.NoError(t, err)
	return logger
}

func testSession(typ Type, code string, ttl int64) AuthSession {
	return AuthSession{
		Type:        typ,
		Code:        code,
		Scopes:      []string{"access"},
		TTL:         ttl,
		GeneratedAt: time.Now(),
		Payload: &entities.Payload{
			Subject:  "user@example.com",
			Tenant:   "cheese/cheese",
			Audience: entities.Audience{"spa"},
		},
	}
}

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	require.NoError(t, store.Set(ctx, s))

	got, err := store.Get(ctx, TypeCode, s.Code, false)
	require.NoError(t, err)
	assert.Equal(t, s.Code, got.Code)
	assert.Equal(t, []string{"access"}, got.Scopes)

	// Same key again must be refused.
	assert.ErrorIs(t, store.Set(ctx, s), ErrCodeTaken)

	// Same code under a different type is a different key.
	refresh := s
	refresh.Type = TypeRefresh
	require.NoError(t, store.Set(ctx, refresh))
}

func TestMemoryStoreSingleUse(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	require.NoError(t, store.Set(ctx, s))

	_, err := store.Get(ctx, TypeCode, s.Code, true)
	require.NoError(t, err)
	_, err = store.Get(ctx, TypeCode, s.Code, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreConcurrentSingleUse(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	require.NoError(t, store.Set(ctx, s))

	const readers = 16
	var wg sync.WaitGroup
	hits := make(chan struct{}, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Get(ctx, TypeCode, s.Code, true); err == nil {
				hits <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(hits)

	count := 0
	for range hits {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent reader may obtain the code")
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	s.GeneratedAt = time.Now().Add(-601 * time.Second)
	require.NoError(t, store.Set(ctx, s))

	_, err := store.Get(ctx, TypeCode, s.Code, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTimerEviction(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	s := testSession(TypeCode, NewCode(), 600)
	s.GeneratedAt = time.Now().Add(-600*time.Second + 50*time.Millisecond)
	require.NoError(t, store.Set(ctx, s))

	assert.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond, "expired session must be evicted without a Get")
}

func TestMemoryStoreWipe(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	mine := testSession(TypeRefresh, NewCode(), 600)
	other := testSession(TypeRefresh, NewCode(), 600)
	other.Payload.Subject = "someone-else@example.com"
	require.NoError(t, store.Set(ctx, mine))
	require.NoError(t, store.Set(ctx, other))

	require.NoError(t, store.Wipe(ctx, "cheese/cheese", "user@example.com"))

	_, err := store.Get(ctx, TypeRefresh, mine.Code, false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, TypeRefresh, other.Code, false)
	assert.NoError(t, err)
}

func TestMemoryStoreCounts(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Set(ctx, testSession(TypeRefresh, NewCode(), 600)))
	}
	foreign := testSession(TypeRefresh, NewCode(), 600)
	foreign.Payload.Tenant = "toast/toast"
	foreign.Payload.Audience = entities.Audience{"other"}
	require.NoError(t, store.Set(ctx, foreign))

	n, err := store.CountForTenant(ctx, "cheese/cheese", TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.CountForClient(ctx, "spa", TypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMemoryStoreLoginSessions(t *testing.T) {
	store := NewMemoryStore(testLogger(t))
	defer store.Close()
	ctx := context.Background()

	ls := LoginSession{ID: "9a36cc53-06d1-4fcd-a262-9e38090d0108", Tenant: "cheese/cheese", CreatedAt: time.Now()}
	require.NoError(t, store.Push(ctx, ls))

	ok, err := store.Pull(ctx, ls.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Pull(ctx, ls.ID)
	require.NoError(t, err)
	assert.False(t, ok, "login sessions are single use")
}

func TestNewCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := NewCode()
		require.Len(t, code, 16)
		for _, r := range code {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			require.True(t, isAlnum, "unexpected rune %q", r)
		}
		require.False(t, seen[code], "codes must not repeat")
		seen[code] = true
	}
}
