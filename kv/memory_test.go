package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetNXOnlyFirstWriteWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", v)
}

func TestTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Millisecond))
	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(20 * time.Millisecond)
	_, found, err = m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	// Expired keys free the slot for SetNX.
	ok, err := m.SetNX(ctx, "k", "again", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	require.NoError(t, m.Del(ctx, "k"))
	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestKeyBuilders(t *testing.T) {
	require.Equal(t, "dedupe:t1:pos:e1", DedupeKey("t1", "pos", "e1"))
	require.Equal(t, "eposnow:last-poll:pos", PollCursorKey("pos"))
}
