package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "v-abc-status", FlagKey("abc"))
}

func TestMemoryFlags(t *testing.T) {
	ctx := context.Background()
	flags := NewMemoryFlags(time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	flags.now = func() time.Time { return now }

	f, err := flags.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, Flag(""), f)

	require.NoError(t, flags.Set(ctx, "v1", FlagWork))
	f, _ = flags.Get(ctx, "v1")
	assert.Equal(t, FlagWork, f)

	require.NoError(t, flags.Set(ctx, "v1", FlagCanceled))
	f, _ = flags.Get(ctx, "v1")
	assert.Equal(t, FlagCanceled, f)

	now = now.Add(2 * time.Hour)
	f, _ = flags.Get(ctx, "v1")
	assert.Equal(t, Flag(""), f, "expired flags read as absent")
}

func TestMemoryFlags_SetPrunesExpired(t *testing.T) {
	ctx := context.Background()
	flags := NewMemoryFlags(time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	flags.now = func() time.Time { return now }

	require.NoError(t, flags.Set(ctx, "v1", FlagCanceled))
	require.NoError(t, flags.Set(ctx, "v2", FlagWork))
	assert.Len(t, flags.flags, 2)

	now = now.Add(90 * time.Minute)
	require.NoError(t, flags.Set(ctx, "v3", FlagWork))
	assert.Len(t, flags.flags, 1, "expired flags are dropped without being read")
	_, ok := flags.flags[FlagKey("v3")]
	assert.True(t, ok)
}

func TestDBFlags(t *testing.T) {
	ctx := context.Background()
	_, db := newTestRepo(t)
	flags := NewDBFlags(db, time.Hour)

	f, err := flags.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, Flag(""), f)

	require.NoError(t, flags.Set(ctx, "v1", FlagWork))
	require.NoError(t, flags.Set(ctx, "v1", FlagCanceled))
	f, err = flags.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, FlagCanceled, f)

	var count int64
	require.NoError(t, db.Model(&ProcessingFlag{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNewFlagStore(t *testing.T) {
	s, err := NewFlagStore("memory", nil, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, &MemoryFlags{}, s)

	_, err = NewFlagStore("database", nil, time.Minute)
	assert.Error(t, err)

	_, err = NewFlagStore("redis", nil, time.Minute)
	assert.Error(t, err)
}
