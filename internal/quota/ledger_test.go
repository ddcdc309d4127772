package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"legion/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLedger(limits map[string]types.QuotaLimit) (*Ledger, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(limits)
	l.now = clock.Now
	return l, clock
}

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Close() error { return nil }

func TestHeadroomDimensions(t *testing.T) {
	l, clock := newTestLedger(map[string]types.QuotaLimit{
		"m": {RPM: 4, TPM: 1000, RPD: 100},
	})

	assert.Equal(t, 1.0, l.Headroom("k", "m"))

	res, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, l.Headroom("k", "m"), 1e-9, "pending counts as a request")

	res.Commit(900)
	assert.InDelta(t, 0.1, l.Headroom("k", "m"), 1e-9, "tpm is the binding dimension")

	clock.Advance(61 * time.Second)
	assert.InDelta(t, 0.99, l.Headroom("k", "m"), 1e-9, "only the day window remembers the call")

	u := l.Usage("k", "m")
	assert.Equal(t, Usage{KeyID: "k", Scope: "m", RequestsDay: 1}, u)
}

func TestUnmonitoredCeilings(t *testing.T) {
	l, _ := newTestLedger(map[string]types.QuotaLimit{
		"m": {RPM: types.QuotaUnmonitored, TPM: 9999, RPD: 1},
	})

	for i := 0; i < 5; i++ {
		_, err := l.ReserveBest("unknown-model", "", []string{"k"})
		require.NoError(t, err, "models without limits are never exhausted")
	}

	res, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)
	res.Commit(1_000_000)

	_, err = l.ReserveBest("m", "", []string{"k"})
	var qe *types.QuotaExhaustedError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 1, qe.KeysTried)
	assert.True(t, errors.Is(err, types.ErrQuotaExhausted))
}

func TestReleaseDoesNotConsumeBudget(t *testing.T) {
	l, _ := newTestLedger(map[string]types.QuotaLimit{"m": {RPM: 1, TPM: 9999, RPD: 9999}})

	res, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)

	_, err = l.ReserveBest("m", "", []string{"k"})
	require.Error(t, err, "the pending reservation holds the only slot")

	res.Release()
	res.Commit(50) // no-op after Release
	assert.Equal(t, 0, l.Usage("k", "m").RequestsMinute)

	_, err = l.ReserveBest("m", "", []string{"k"})
	assert.NoError(t, err)
}

func TestPendingReservationsHoldEstimatedTokens(t *testing.T) {
	l, _ := newTestLedger(map[string]types.QuotaLimit{"m": {RPM: 9999, TPM: 1000, RPD: 9999}})

	first, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)
	first.Commit(400)

	// Each in-flight call is expected to spend about 400 tokens.
	a, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, l.Headroom("k", "m"), 1e-9)
	_, err = l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)

	_, err = l.ReserveBest("m", "", []string{"k"})
	assert.ErrorIs(t, err, types.ErrQuotaExhausted, "tpm would be overshot by the calls in flight")

	a.Release()
	assert.InDelta(t, 0.2, l.Headroom("k", "m"), 1e-9)
	_, err = l.ReserveBest("m", "", []string{"k"})
	assert.NoError(t, err)
}

func TestSharedPoolDrawsFromOneCounter(t *testing.T) {
	l, _ := newTestLedger(map[string]types.QuotaLimit{
		"flash":      {RPM: 3, TPM: 9999, RPD: 9999, SharedPool: "flash-pool"},
		"flash-lite": {RPM: 5, TPM: 9999, RPD: 9999, SharedPool: "flash-pool"},
	})

	lim, scope, ok := l.Limit("flash-lite")
	require.True(t, ok)
	assert.Equal(t, "flash-pool", scope)
	assert.Equal(t, 3, lim.RPM, "pool ceiling is the strictest member")

	for _, model := range []string{"flash", "flash-lite", "flash"} {
		res, err := l.ReserveBest(model, "", []string{"k"})
		require.NoError(t, err)
		res.Commit(10)
	}

	_, err := l.ReserveBest("flash-lite", "", []string{"k"})
	var qe *types.QuotaExhaustedError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "flash-pool", qe.Pool)
	assert.Equal(t, 3, l.Usage("k", "flash").RequestsMinute)
}

func TestSharedPoolCeilingUnderConcurrency(t *testing.T) {
	l, _ := newTestLedger(map[string]types.QuotaLimit{
		"a": {RPM: 9999, TPM: 9999, RPD: 20, SharedPool: "pool"},
		"b": {RPM: 9999, TPM: 9999, RPD: 20, SharedPool: "pool"},
	})

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := "a"
			if i%2 == 0 {
				model = "b"
			}
			res, err := l.ReserveBest(model, "", []string{"k"})
			if err != nil {
				return
			}
			granted.Add(1)
			if i%5 == 0 {
				res.Release()
				return
			}
			res.Commit(1)
		}(i)
	}
	wg.Wait()

	u := l.Usage("k", "a")
	assert.LessOrEqual(t, u.RequestsDay, 20)
	assert.Equal(t, 0, u.Pending)
	assert.GreaterOrEqual(t, int(granted.Load()), 20)
}

func TestSetLimitsKeepsUsage(t *testing.T) {
	l, _ := newTestLedger(map[string]types.QuotaLimit{"m": {RPM: 2, TPM: 9999, RPD: 9999}})
	for i := 0; i < 2; i++ {
		res, err := l.ReserveBest("m", "", []string{"k"})
		require.NoError(t, err)
		res.Commit(1)
	}
	assert.Equal(t, 0.0, l.Headroom("k", "m"))

	l.SetLimits(map[string]types.QuotaLimit{"m": {RPM: 4, TPM: 9999, RPD: 9999}})
	assert.InDelta(t, 0.5, l.Headroom("k", "m"), 1e-9)
}

func TestSnapshotRoundTripDropsExpired(t *testing.T) {
	l, clock := newTestLedger(map[string]types.QuotaLimit{"m": {RPM: 9999, TPM: 9999, RPD: 10}})

	old, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)
	old.Commit(5)
	clock.Advance(23 * time.Hour)
	recent, err := l.ReserveBest("m", "", []string{"k"})
	require.NoError(t, err)
	recent.Commit(7)

	kv := &memKV{}
	ctx := context.Background()
	require.NoError(t, l.Save(ctx, kv))

	restored, _ := newTestLedger(map[string]types.QuotaLimit{"m": {RPM: 9999, TPM: 9999, RPD: 10}})
	restored.now = func() time.Time { return clock.Now().Add(2 * time.Hour) }
	require.NoError(t, restored.Load(ctx, kv))

	assert.Equal(t, 1, restored.Usage("k", "m").RequestsDay, "the 25h old call is discarded")
	assert.NoError(t, restored.Load(ctx, &memKV{}), "missing snapshot is not an error")
}
