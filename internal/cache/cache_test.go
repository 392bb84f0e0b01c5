package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	c.now = func() time.Time { return time.Now().Add(24 * 365 * time.Hour) }
	_, err := c.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	var out []string
	hit, err := GetJSON(ctx, c, "test", "drugs", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, SetJSON(ctx, c, "drugs", []string{"aspirin", "ibuprofen"}, time.Minute))
	hit, err = GetJSON(ctx, c, "test", "drugs", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"aspirin", "ibuprofen"}, out)
}

func TestNilAndNoopCache(t *testing.T) {
	ctx := context.Background()
	var out map[string]any
	hit, err := GetJSON(ctx, nil, "test", "k", &out)
	assert.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, SetJSON(ctx, Noop{}, "k", map[string]any{"a": 1}, time.Minute))
	hit, err = GetJSON(ctx, Noop{}, "test", "k", &out)
	assert.NoError(t, err)
	assert.False(t, hit)
}
