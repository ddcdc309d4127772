package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"legion/internal/orchestrator"
	"legion/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memSource struct {
	mu       sync.Mutex
	channels map[string]*types.Channel
	messages map[string][]types.Message
}

func newMemSource(channels ...*types.Channel) *memSource {
	s := &memSource{channels: map[string]*types.Channel{}, messages: map[string][]types.Message{}}
	for _, ch := range channels {
		s.channels[ch.ID] = ch
	}
	return s
}

func (s *memSource) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return ch.Clone(), nil
}

func (s *memSource) RecentMessages(ctx context.Context, id string, n int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages[id]...), nil
}

func (s *memSource) setAuto(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[id].AutoMode = on
}

type recordingDispatcher struct {
	mu       sync.Mutex
	channels []string
	triggers []*types.Message
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, channelID string, trigger *types.Message) (*orchestrator.CycleResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, channelID)
	d.triggers = append(d.triggers, trigger)
	return &orchestrator.CycleResult{}, nil
}

func (d *recordingDispatcher) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.channels...)
}

func swarm(id string, auto bool) *types.Channel {
	return &types.Channel{
		ID: id, Name: id, Type: types.ChannelSwarm, AutoMode: auto,
		Delay: types.DelayPolicy{Mode: types.DelayFixed, FixedSeconds: 2},
	}
}

func TestNextDelayFixed(t *testing.T) {
	p := types.DelayPolicy{Mode: types.DelayFixed, FixedSeconds: 7, MinSeconds: 1, MaxSeconds: 100}
	for seed := uint64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		for i := 0; i < 20; i++ {
			assert.Equal(t, 7, NextDelay(p, rng))
		}
	}
	assert.Equal(t, 0, NextDelay(types.DelayPolicy{Mode: types.DelayFixed, FixedSeconds: -3}, nil))
}

func TestNextDelayRandomWithinBounds(t *testing.T) {
	p := types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: 3, MaxSeconds: 6}
	rng := rand.New(rand.NewPCG(42, 42))
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		d := NextDelay(p, rng)
		require.GreaterOrEqual(t, d, 3)
		require.LessOrEqual(t, d, 6)
		seen[d] = true
	}
	assert.Len(t, seen, 4, "both bounds are reachable")

	a := rand.New(rand.NewPCG(9, 9))
	b := rand.New(rand.NewPCG(9, 9))
	for i := 0; i < 100; i++ {
		assert.Equal(t, NextDelay(p, a), NextDelay(p, b), "same seed, same sequence")
	}

	swapped := types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: 6, MaxSeconds: 3}
	d := NextDelay(swapped, rng)
	assert.True(t, d >= 3 && d <= 6)
}

func TestLoopRunsUntilDisabled(t *testing.T) {
	src := newMemSource(swarm("s1", true))
	d := &recordingDispatcher{}
	s := New(d, src, WithTimeUnit(time.Millisecond), WithSeed(1))

	require.NoError(t, s.SwitchTo(context.Background(), "s1"))
	assert.Equal(t, "s1", s.Active())
	assert.Eventually(t, func() bool { return len(d.calls()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Disable()
	assert.Empty(t, s.Active())
	n := len(d.calls())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(d.calls()), "no cycle after Disable returns")

	trigger := d.triggers[0]
	assert.Equal(t, types.SenderSystem, trigger.SenderKind)
	assert.Equal(t, KickoffText, trigger.Content)
}

func TestSwitchToCancelsPreviousLoop(t *testing.T) {
	src := newMemSource(swarm("a", true), swarm("b", true))
	d := &recordingDispatcher{}
	s := New(d, src, WithTimeUnit(time.Millisecond))

	require.NoError(t, s.SwitchTo(context.Background(), "a"))
	assert.Eventually(t, func() bool { return len(d.calls()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.SwitchTo(context.Background(), "b"))
	mark := len(d.calls())
	assert.Eventually(t, func() bool { return len(d.calls()) >= mark+2 }, 2*time.Second, 5*time.Millisecond)
	s.Disable()

	for _, id := range d.calls()[mark:] {
		assert.Equal(t, "b", id)
	}
}

func TestIdleForNonAutonomousChannels(t *testing.T) {
	group := &types.Channel{ID: "g", Name: "g", Type: types.ChannelGroup, AutoMode: true}
	src := newMemSource(swarm("off", false), group)
	s := New(&recordingDispatcher{}, src)

	require.NoError(t, s.SwitchTo(context.Background(), "off"))
	assert.Empty(t, s.Active())
	require.NoError(t, s.SwitchTo(context.Background(), "g"))
	assert.Empty(t, s.Active())
	assert.Error(t, s.SwitchTo(context.Background(), "missing"))
}

func TestLoopExitsWhenAutoModeTurnsOff(t *testing.T) {
	src := newMemSource(swarm("s", true))
	var once sync.Once
	d := &recordingDispatcher{}
	s := New(d, src, WithTimeUnit(time.Millisecond), WithCycleHook(func(string, *orchestrator.CycleResult, error) {
		once.Do(func() { src.setAuto("s", false) })
	}))

	require.NoError(t, s.SwitchTo(context.Background(), "s"))
	done := s.Done()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Len(t, d.calls(), 1)
	assert.Empty(t, s.Active())
}

func TestAutoModeOffCancelsArmedTimer(t *testing.T) {
	src := newMemSource(swarm("s", true))
	d := &recordingDispatcher{}
	// Fixed delay of 2 units: the timer is armed for 100ms.
	s := New(d, src, WithTimeUnit(50*time.Millisecond))

	require.NoError(t, s.SwitchTo(context.Background(), "s"))
	done := s.Done()
	require.NotNil(t, done)
	time.Sleep(20 * time.Millisecond)
	src.setAuto("s", false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Empty(t, d.calls(), "no cycle may fire after auto mode is off")
}

func TestLoopEndsWithCallerContext(t *testing.T) {
	src := newMemSource(swarm("s", true))
	s := New(&recordingDispatcher{}, src, WithTimeUnit(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.SwitchTo(ctx, "s"))
	done := s.Done()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop ignored cancellation")
	}
}

func TestTriggerPrefersLastChatMessage(t *testing.T) {
	src := newMemSource(swarm("s", true))
	src.messages["s"] = []types.Message{
		{ID: "1", Kind: types.MessageChat, SenderKind: types.SenderMinion, SenderName: "Alpha", Content: "idea"},
		{ID: "2", Kind: types.MessageChat, SenderKind: types.SenderMinion, SenderName: "Beta", Content: "reply"},
		{ID: "3", Kind: types.MessageSystem, SenderKind: types.SenderSystem, IsError: true},
		{ID: "4", Kind: types.MessageRegulatorReport, SenderName: "Overseer"},
	}
	s := New(&recordingDispatcher{}, src)
	ch, _ := src.GetChannel(context.Background(), "s")

	trig, err := s.trigger(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "2", trig.ID)
}
