package quota

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"legion/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	limits := map[string]types.QuotaLimit{"m": {RPM: 2, TPM: 9999, RPD: 9999}}
	keys := []types.ApiKey{
		{ID: "a", Secret: "sa"},
		{ID: "b", Secret: "sb"},
		{ID: "other", Secret: "so", Models: []string{"different-model"}},
	}

	t.Run("assigned key wins while it has headroom", func(t *testing.T) {
		l, _ := newTestLedger(limits)
		alloc := NewAllocator(l, keys)
		minion := &types.Minion{Name: "Alpha", KeyID: "b"}

		g, err := alloc.Allocate(minion, "m")
		require.NoError(t, err)
		assert.Equal(t, "b", g.Key.ID)
		assert.Equal(t, "sb", g.Key.Secret)
		g.Commit(1)
	})

	t.Run("assigned key falls back when exhausted", func(t *testing.T) {
		l, _ := newTestLedger(limits)
		alloc := NewAllocator(l, keys)
		minion := &types.Minion{Name: "Alpha", KeyID: "b"}

		for i := 0; i < 2; i++ {
			g, err := alloc.Allocate(minion, "m")
			require.NoError(t, err)
			require.Equal(t, "b", g.Key.ID)
			g.Commit(1)
		}
		g, err := alloc.Allocate(minion, "m")
		require.NoError(t, err)
		assert.Equal(t, "a", g.Key.ID)
	})

	t.Run("load balancing picks the most headroom", func(t *testing.T) {
		l, _ := newTestLedger(limits)
		alloc := NewAllocator(l, keys)

		g1, err := alloc.Allocate(&types.Minion{Name: "Alpha"}, "m")
		require.NoError(t, err)
		g2, err := alloc.Allocate(&types.Minion{Name: "Beta"}, "m")
		require.NoError(t, err)
		assert.NotEqual(t, g1.Key.ID, g2.Key.ID)
		assert.NotEqual(t, "other", g1.Key.ID)
		assert.NotEqual(t, "other", g2.Key.ID)
	})

	t.Run("exhausted across all keys", func(t *testing.T) {
		l, _ := newTestLedger(limits)
		alloc := NewAllocator(l, keys)
		for i := 0; i < 4; i++ {
			g, err := alloc.Allocate(nil, "m")
			require.NoError(t, err)
			g.Commit(1)
		}
		_, err := alloc.Allocate(nil, "m")
		var qe *types.QuotaExhaustedError
		require.True(t, errors.As(err, &qe))
		assert.Equal(t, 2, qe.KeysTried)
	})

	t.Run("no key serves the model", func(t *testing.T) {
		l, _ := newTestLedger(limits)
		alloc := NewAllocator(l, []types.ApiKey{{ID: "other", Models: []string{"x"}}})
		_, err := alloc.Allocate(&types.Minion{Name: "Alpha"}, "m")
		assert.True(t, errors.Is(err, types.ErrQuotaExhausted))
	})

	t.Run("SetKeys replaces the pool", func(t *testing.T) {
		l, _ := newTestLedger(limits)
		alloc := NewAllocator(l, nil)
		_, err := alloc.Allocate(nil, "m")
		require.Error(t, err)

		alloc.SetKeys([]types.ApiKey{{ID: "fresh"}})
		g, err := alloc.Allocate(nil, "m")
		require.NoError(t, err)
		assert.Equal(t, "fresh", g.Key.ID)
	})
}

func TestFlusher(t *testing.T) {
	var runs atomic.Int32
	f := NewFlusher("@every 1s")
	f.Add("count", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	f.Add("broken", func(ctx context.Context) error {
		return errors.New("disk full")
	})

	err := f.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: disk full")
	assert.EqualValues(t, 1, runs.Load())

	require.NoError(t, f.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)

	before := runs.Load()
	assert.Error(t, f.Stop(), "Stop performs a final flush")
	assert.Greater(t, runs.Load(), before)
	assert.NoError(t, f.Stop(), "second Stop is a no-op")
}

func TestFlusherRejectsBadSpec(t *testing.T) {
	f := NewFlusher("whenever")
	assert.Error(t, f.Start(context.Background()))
}
