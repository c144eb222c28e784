package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
	val, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)

	// Overwrite.
	require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))
	val, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestKVTTLExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("x"), 30*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", []byte("y"), time.Hour))

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok, err = s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired key must read as absent")

	_, ok, err = s.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))

	time.Sleep(30 * time.Millisecond)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, ok, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestZSetOrderingAndPop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "q", "m3", 3))
	require.NoError(t, s.ZAdd(ctx, "q", "m1", 1))
	require.NoError(t, s.ZAdd(ctx, "q", "m2", 2))

	card, err := s.ZCard(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, card)

	member, score, ok, err := s.ZPopMin(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", member)
	assert.Equal(t, 1.0, score)

	member, _, ok, err = s.ZPopMin(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m2", member)

	member, _, ok, err = s.ZPopMin(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m3", member)

	_, _, ok, err = s.ZPopMin(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok, "pop on empty set")
}

func TestZPopMinTieBreaksOnMember(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "q", "b", 5))
	require.NoError(t, s.ZAdd(ctx, "q", "a", 5))

	member, _, ok, err := s.ZPopMin(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", member)
}

func TestZRangeByScoreAndRem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, m := range []string{"w", "x", "y", "z"} {
		require.NoError(t, s.ZAdd(ctx, "leases", m, float64(i*10)))
	}

	members, err := s.ZRangeByScore(ctx, "leases", NegInf, 15)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "w", members[0].Member)
	assert.Equal(t, "x", members[1].Member)

	removed, err := s.ZRem(ctx, "leases", "w")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.ZRem(ctx, "leases", "w")
	require.NoError(t, err)
	assert.False(t, removed, "double remove reports absence")

	score, ok, err := s.ZScore(ctx, "leases", "y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, score)
}

func TestZAddUpdatesScore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "q", "m", 1))
	require.NoError(t, s.ZAdd(ctx, "q", "m", 99))

	card, err := s.ZCard(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, card)

	score, ok, err := s.ZScore(ctx, "q", "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 99.0, score)
}

func TestListOps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.LLen(ctx, "dlq")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.RPush(ctx, "dlq", []byte("first")))
	require.NoError(t, s.RPush(ctx, "dlq", []byte("second")))
	require.NoError(t, s.RPush(ctx, "dlq", []byte("third")))

	n, err = s.LLen(ctx, "dlq")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := s.LRange(ctx, "dlq", 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte("first"), all[0])
	assert.Equal(t, []byte("third"), all[2])

	tail, err := s.LRange(ctx, "dlq", -2, -1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, []byte("second"), tail[0])

	empty, err := s.LRange(ctx, "dlq", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "circuit:world_builder", []byte(`{"state":"OPEN"}`), 0))
	require.NoError(t, s.Close())

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	val, ok, err := s2.Get(ctx, "circuit:world_builder")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(val), "OPEN")
}
