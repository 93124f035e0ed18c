package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	basic1 = Provider{Type: "basic", Name: "basic1"}
	basic2 = Provider{Type: "basic", Name: "basic2"}
	saml1  = Provider{Type: "saml", Name: "saml1"}
)

type storeFactory func(t *testing.T, opts ...Option) IndexStore

func ms(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func ptr(t time.Time) *time.Time {
	t = ms(t)
	return &t
}

func newRecord(sid string, p Provider, usernameHash string, createdAt time.Time) *Record {
	return &Record{
		SID:                   sid,
		Provider:              p,
		UsernameHash:          usernameHash,
		CreatedAt:             ms(createdAt),
		IdleTimeoutExpiration: ptr(createdAt.Add(time.Hour)),
		LifespanExpiration:    ptr(createdAt.Add(24 * time.Hour)),
		Content:               "ciphertext-" + sid,
	}
}

func assertSameTime(t *testing.T, want, got *time.Time) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %v, got %v", *want, *got)
}

func assertSameRecord(t *testing.T, want, got *Record) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.SID, got.SID)
	assert.Equal(t, want.Provider, got.Provider)
	assert.Equal(t, want.UsernameHash, got.UsernameHash)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.AccessAgreementAcknowledged, got.AccessAgreementAcknowledged)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created at: want %v, got %v", want.CreatedAt, got.CreatedAt)
	assertSameTime(t, want.IdleTimeoutExpiration, got.IdleTimeoutExpiration)
	assertSameTime(t, want.LifespanExpiration, got.LifespanExpiration)
}

// runIndexStoreTests exercises the IndexStore contract against a backend.
func runIndexStoreTests(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	now := time.Now()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("sid-1", basic1, "hash-alice", now)
		rec.AccessAgreementAcknowledged = true

		created, err := s.Create(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)
		assertSameRecord(t, rec, created)

		got, err := s.Get(ctx, "sid-1")
		require.NoError(t, err)
		assertSameRecord(t, rec, got)
		assert.Equal(t, created.Version, got.Version)

		missing, err := s.Get(ctx, "sid-missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("CreateNullableFields", func(t *testing.T) {
		s := newStore(t)
		rec := &Record{SID: "sid-legacy", Provider: saml1, Content: "c"}

		_, err := s.Create(ctx, rec)
		require.NoError(t, err)

		got, err := s.Get(ctx, "sid-legacy")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.IdleTimeoutExpiration)
		assert.Nil(t, got.LifespanExpiration)
		assert.True(t, got.CreatedAt.IsZero())
		assert.Empty(t, got.UsernameHash)
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, newRecord("sid-1", basic1, "", now))
		require.NoError(t, err)

		next := created.Clone()
		next.IdleTimeoutExpiration = ptr(now.Add(2 * time.Hour))
		next.UsernameHash = "hash-alice"
		next.Content = "ciphertext-2"

		updated, err := s.Update(ctx, next)
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, created.Version+1, updated.Version)
		assertSameTime(t, next.IdleTimeoutExpiration, updated.IdleTimeoutExpiration)

		got, err := s.Get(ctx, "sid-1")
		require.NoError(t, err)
		assert.Equal(t, "ciphertext-2", got.Content)
		assert.Equal(t, "hash-alice", got.UsernameHash)
		assert.Equal(t, updated.Version, got.Version)
	})

	t.Run("UpdateVersionConflict", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, newRecord("sid-1", basic1, "hash-alice", now))
		require.NoError(t, err)

		first := created.Clone()
		first.Content = "first"
		_, err = s.Update(ctx, first)
		require.NoError(t, err)

		stale := created.Clone()
		stale.Content = "stale"
		got, err := s.Update(ctx, stale)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.Content)
		assert.Equal(t, created.Version+1, got.Version)
	})

	t.Run("UpdateInvalidated", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, newRecord("sid-1", basic1, "hash-alice", now))
		require.NoError(t, err)

		n, err := s.Invalidate(ctx, Filter{Match: MatchSID, SID: "sid-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.Update(ctx, created)
		require.NoError(t, err)
		assert.Nil(t, got)

		again, err := s.Get(ctx, "sid-1")
		require.NoError(t, err)
		assert.Nil(t, again, "update must not resurrect an invalidated record")
	})

	t.Run("InvalidateFilters", func(t *testing.T) {
		s := newStore(t)
		for _, rec := range []*Record{
			newRecord("a1", basic1, "hash-alice", now),
			newRecord("a2", basic1, "hash-alice", now.Add(time.Second)),
			newRecord("b1", basic1, "hash-bob", now),
			newRecord("a3", basic2, "hash-alice", now),
			newRecord("s1", saml1, "hash-alice", now),
			newRecord("anon", basic1, "", now),
		} {
			_, err := s.Create(ctx, rec)
			require.NoError(t, err)
		}

		n, err := s.Invalidate(ctx, Filter{Match: MatchQuery, Provider: ProviderQuery{Type: "basic", Name: "basic1"}, UsernameHash: "hash-alice"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Invalidate(ctx, Filter{Match: MatchQuery, Provider: ProviderQuery{Type: "basic"}, UsernameHash: "hash-alice"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.Invalidate(ctx, Filter{Match: MatchQuery, Provider: ProviderQuery{Type: "basic", Name: "basic1"}})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Invalidate(ctx, Filter{Match: MatchSID, SID: "does-not-exist"})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.Invalidate(ctx, Filter{Match: MatchAll})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("InvalidateUnknownMatch", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Invalidate(ctx, Filter{Match: "bogus"})
		assert.Error(t, err)
	})

	t.Run("ConcurrentSessionLimit", func(t *testing.T) {
		s := newStore(t, WithMaxConcurrentSessions(2))

		var recs []*Record
		for i := 0; i < 3; i++ {
			rec, err := s.Create(ctx, newRecord(fmt.Sprintf("sid-%d", i), basic1, "hash-alice", now.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
			recs = append(recs, rec)
		}

		within, err := s.IsWithinConcurrentSessionLimit(ctx, recs[0])
		require.NoError(t, err)
		assert.False(t, within, "oldest session is outside the limit")

		for _, rec := range recs[1:] {
			within, err := s.IsWithinConcurrentSessionLimit(ctx, rec)
			require.NoError(t, err)
			assert.True(t, within, rec.SID)
		}

		other, err := s.Create(ctx, newRecord("sid-other", basic2, "hash-alice", now.Add(-time.Hour)))
		require.NoError(t, err)
		within, err = s.IsWithinConcurrentSessionLimit(ctx, other)
		require.NoError(t, err)
		assert.True(t, within, "limit is scoped to a provider")

		anon, err := s.Create(ctx, newRecord("sid-anon", basic1, "", now.Add(-time.Hour)))
		require.NoError(t, err)
		within, err = s.IsWithinConcurrentSessionLimit(ctx, anon)
		require.NoError(t, err)
		assert.True(t, within, "unauthenticated sessions are never limited")

		_, err = s.Invalidate(ctx, Filter{Match: MatchSID, SID: "sid-2"})
		require.NoError(t, err)
		within, err = s.IsWithinConcurrentSessionLimit(ctx, recs[0])
		require.NoError(t, err)
		assert.True(t, within, "invalidated sessions free a slot")
	})

	t.Run("NoConcurrentSessionLimit", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			_, err := s.Create(ctx, newRecord(fmt.Sprintf("sid-%d", i), basic1, "hash-alice", now.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		within, err := s.IsWithinConcurrentSessionLimit(ctx, &Record{SID: "sid-0", Provider: basic1, UsernameHash: "hash-alice"})
		require.NoError(t, err)
		assert.True(t, within)
	})

	t.Run("CleanUp", func(t *testing.T) {
		s := newStore(t)
		cleaner, ok := s.(Cleaner)
		require.True(t, ok)

		lifespanPassed := newRecord("lifespan-passed", basic1, "h", now)
		lifespanPassed.LifespanExpiration = ptr(now.Add(-time.Minute))

		idleLongPassed := newRecord("idle-long-passed", basic1, "h", now)
		idleLongPassed.IdleTimeoutExpiration = ptr(now.Add(-3 * time.Hour))

		idleWithinGrace := newRecord("idle-within-grace", basic1, "h", now)
		idleWithinGrace.IdleTimeoutExpiration = ptr(now.Add(-time.Hour))

		unbounded := &Record{SID: "unbounded", Provider: basic1, Content: "c"}

		for _, rec := range []*Record{lifespanPassed, idleLongPassed, idleWithinGrace, unbounded} {
			_, err := s.Create(ctx, rec)
			require.NoError(t, err)
		}

		n, err := cleaner.CleanUp(ctx, now, 2*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for sid, alive := range map[string]bool{
			"lifespan-passed":   false,
			"idle-long-passed":  false,
			"idle-within-grace": true,
			"unbounded":         true,
		} {
			got, err := s.Get(ctx, sid)
			require.NoError(t, err)
			assert.Equal(t, alive, got != nil, sid)
		}
	})
}
