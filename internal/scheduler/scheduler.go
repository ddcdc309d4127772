// Package scheduler drives autonomous swarm channels: after every completed
// orchestration cycle it waits a fixed or random delay, synthesizes the next
// trigger and dispatches again, until auto mode is turned off or the
// channel is switched away from.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"legion/internal/logging"
	"legion/internal/orchestrator"
	"legion/internal/types"

	"github.com/google/uuid"
)

// KickoffText is the content of the synthesized trigger for a quiet channel.
const KickoffText = "The channel is quiet. Start or continue the conversation among yourselves."

// Dispatcher runs one orchestration cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelID string, trigger *types.Message) (*orchestrator.CycleResult, error)
}

// Source reads channel state.
type Source interface {
	GetChannel(ctx context.Context, id string) (*types.Channel, error)
	RecentMessages(ctx context.Context, channelID string, n int) ([]types.Message, error)
}

// CycleHook observes each completed cycle.
type CycleHook func(channelID string, res *orchestrator.CycleResult, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSeed makes random delays reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithTimeUnit scales policy seconds; tests use milliseconds.
func WithTimeUnit(d time.Duration) Option {
	return func(s *Scheduler) { s.unit = d }
}

// WithDefaultDelay sets the policy for channels that have none.
func WithDefaultDelay(p types.DelayPolicy) Option {
	return func(s *Scheduler) { s.defaultDelay = p }
}

// WithCycleHook registers fn to run after every cycle.
func WithCycleHook(fn CycleHook) Option {
	return func(s *Scheduler) { s.hook = fn }
}

// Scheduler runs at most one autonomous loop: the one for the channel the
// operator is on. Switching channels or disabling cancels it.
type Scheduler struct {
	dispatcher   Dispatcher
	source       Source
	unit         time.Duration
	defaultDelay types.DelayPolicy
	hook         CycleHook

	rngMu sync.Mutex
	rng   *rand.Rand

	// switchMu serializes SwitchTo and Disable.
	switchMu sync.Mutex

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler.
func New(d Dispatcher, src Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher:   d,
		source:       src,
		unit:         time.Second,
		defaultDelay: types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: 5, MaxSeconds: 15},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// NextDelay returns the wait in seconds for policy p. Fixed policies return
// FixedSeconds exactly; random policies are uniform over [Min, Max]
// inclusive. Negative values are treated as zero.
func NextDelay(p types.DelayPolicy, rng *rand.Rand) int {
	if p.Mode != types.DelayRandom {
		return max(0, p.FixedSeconds)
	}
	lo, hi := max(0, p.MinSeconds), max(0, p.MaxSeconds)
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + rng.IntN(hi-lo+1)
}

func (s *Scheduler) nextDelay(p types.DelayPolicy) time.Duration {
	if p.Mode == "" {
		p = s.defaultDelay
	}
	s.rngMu.Lock()
	secs := NextDelay(p, s.rng)
	s.rngMu.Unlock()
	return time.Duration(secs) * s.unit
}

// SwitchTo makes channelID the focused channel. Any running loop is
// cancelled and waited for; a new loop starts only when the channel is an
// autonomous swarm channel with auto mode on. The loop ends with ctx.
func (s *Scheduler) SwitchTo(ctx context.Context, channelID string) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.stop()

	ch, err := s.source.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to load channel %s: %w", channelID, err)
	}
	if ch.Type != types.ChannelSwarm || !ch.AutoMode {
		logging.SchedulerDebug("Channel %s is not autonomous; scheduler idle", ch.Name)
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.current, s.cancel, s.done = channelID, cancel, done
	s.mu.Unlock()

	logging.Scheduler("Autonomous loop started for %s", ch.Name)
	go s.loop(loopCtx, cancel, channelID, done)
	return nil
}

// Disable cancels the running loop, if any, and waits for it to exit. A
// cycle in flight is cancelled with it.
func (s *Scheduler) Disable() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.stop()
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	cancel, done, current := s.cancel, s.done, s.current
	s.cancel, s.done, s.current = nil, nil, ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logging.Scheduler("Autonomous loop stopped for %s", current)
}

// Active returns the channel whose loop is running, or "".
func (s *Scheduler) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Done is closed when the current loop exits, nil when none runs.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scheduler) loop(ctx context.Context, cancel context.CancelFunc, channelID string, done chan struct{}) {
	defer func() {
		cancel()
		s.mu.Lock()
		if s.done == done {
			s.current, s.cancel, s.done = "", nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		ch, err := s.source.GetChannel(ctx, channelID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.Get(logging.CategoryScheduler).Warn("Stopping loop for %s: %v", channelID, err)
			}
			return
		}
		if !ch.AutoMode {
			logging.Scheduler("Auto mode is off for %s; loop exits", ch.Name)
			return
		}

		delay := s.nextDelay(ch.Delay)
		logging.SchedulerDebug("Next cycle for %s in %v", ch.Name, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Auto mode may have been switched off while the timer was armed.
		ch, err = s.source.GetChannel(ctx, channelID)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logging.Get(logging.CategoryScheduler).Warn("Stopping loop for %s: %v", channelID, err)
			}
			return
		}
		if !ch.AutoMode {
			logging.Scheduler("Auto mode turned off for %s before the cycle fired", ch.Name)
			return
		}

		trigger, err := s.trigger(ctx, ch)
		if err != nil {
			logging.Get(logging.CategoryScheduler).Warn("Failed to build trigger for %s: %v", ch.Name, err)
			return
		}
		res, err := s.dispatcher.Dispatch(ctx, ch.ID, trigger)
		if s.hook != nil {
			s.hook(ch.ID, res, err)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Get(logging.CategoryScheduler).Error("Cycle for %s failed: %v", ch.Name, err)
		} else {
			logging.SchedulerDebug("Cycle for %s: %d turns, %d spoke", ch.Name, len(res.Turns), res.Spoke())
		}
	}
}

// trigger returns the last conversational message, or a transient system
// kickoff when the channel has none. The kickoff is never persisted.
func (s *Scheduler) trigger(ctx context.Context, ch *types.Channel) (*types.Message, error) {
	recent, err := s.source.RecentMessages(ctx, ch.ID, 50)
	if err != nil {
		return nil, err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Kind == types.MessageChat && !recent[i].IsError {
			m := recent[i]
			return &m, nil
		}
	}
	return &types.Message{
		ID:         "kickoff-" + uuid.NewString(),
		ChannelID:  ch.ID,
		SenderKind: types.SenderSystem,
		SenderName: "System",
		Kind:       types.MessageSystem,
		Content:    KickoffText,
		Timestamp:  time.Now(),
	}, nil
}
