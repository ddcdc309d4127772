// Package orchestrator decides which minions react to each message, runs
// their turns concurrently with at most one active turn per minion, keeps
// each channel's log single-writer, fires due regulator passes and emits
// lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"legion/internal/logging"
	"legion/internal/store"
	"legion/internal/turn"
	"legion/internal/types"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Busy policies for a minion that already has an active turn.
const (
	BusyQueue = "queue"
	BusyDrop  = "drop"
)

// Config controls dispatch.
type Config struct {
	HistoryWindow      int
	RegulatorWindow    int
	BusyPolicy         string
	MaxConcurrentTurns int
	CommanderName      string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:      30,
		RegulatorWindow:    20,
		BusyPolicy:         BusyQueue,
		MaxConcurrentTurns: 4,
		CommanderName:      types.CommanderName,
	}
}

// Orchestrator dispatches turns.
type Orchestrator struct {
	cfg    Config
	repo   *store.Repository
	engine *turn.Engine

	turns   *semaphore.Weighted
	slots   slotTable
	writers keyedMutex

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an orchestrator.
func New(cfg Config, repo *store.Repository, engine *turn.Engine) *Orchestrator {
	def := DefaultConfig()
	if cfg.HistoryWindow < 1 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.RegulatorWindow < 1 {
		cfg.RegulatorWindow = def.RegulatorWindow
	}
	if cfg.BusyPolicy != BusyDrop {
		cfg.BusyPolicy = BusyQueue
	}
	if cfg.MaxConcurrentTurns < 1 {
		cfg.MaxConcurrentTurns = def.MaxConcurrentTurns
	}
	if cfg.CommanderName == "" {
		cfg.CommanderName = def.CommanderName
	}
	return &Orchestrator{
		cfg:    cfg,
		repo:   repo,
		engine: engine,
		turns:  semaphore.NewWeighted(int64(cfg.MaxConcurrentTurns)),
	}
}

// Repository returns the backing repository.
func (o *Orchestrator) Repository() *store.Repository { return o.repo }

// CycleResult reports one orchestration cycle.
type CycleResult struct {
	Turns   []*turn.Result
	Reports []*turn.Result
	// Skipped lists minions dropped because their previous turn was active.
	Skipped []string
}

// Spoke counts turns that appended a chat message.
func (c *CycleResult) Spoke() int {
	n := 0
	for _, r := range c.Turns {
		if r.Outcome == turn.OutcomeSpoke {
			n++
		}
	}
	return n
}

// Post appends a commander message to a channel and runs one cycle for it.
func (o *Orchestrator) Post(ctx context.Context, channelID, content string) (*types.Message, *CycleResult, error) {
	msg, err := o.Append(ctx, &types.Message{
		ChannelID:  channelID,
		SenderKind: types.SenderCommander,
		SenderName: o.cfg.CommanderName,
		Kind:       types.MessageChat,
		Content:    content,
	})
	if err != nil {
		return nil, nil, err
	}
	res, err := o.Dispatch(ctx, channelID, msg)
	return msg, res, err
}

// Dispatch runs every reacting minion's turn for trigger, waits for all of
// them, then fires any regulator whose interval has elapsed. A failing turn
// never affects the others.
func (o *Orchestrator) Dispatch(ctx context.Context, channelID string, trigger *types.Message) (*CycleResult, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "Dispatch "+channelID)
	defer timer.Stop()

	ch, err := o.repo.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %s: %w", channelID, err)
	}
	result := &CycleResult{}
	if ch.Type == types.ChannelSystemLog {
		return result, nil
	}

	reacting, err := o.reactingMinions(ctx, ch, trigger)
	if err != nil {
		return nil, err
	}
	logging.Orchestrator("Dispatching %d minions in %s for %s from %s", len(reacting), ch.Name, trigger.Kind, trigger.SenderName)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, name := range reacting {
		g.Go(func() error {
			res, err := o.runTurn(ctx, ch, trigger, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, types.ErrTurnSlotBusy):
				result.Skipped = append(result.Skipped, name)
			case res != nil:
				result.Turns = append(result.Turns, res)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	result.Reports = o.runDueRegulators(ctx, ch.ID)
	return result, nil
}

// reactingMinions returns enabled, non-regulator minion members other than
// the trigger's own sender.
func (o *Orchestrator) reactingMinions(ctx context.Context, ch *types.Channel, trigger *types.Message) ([]string, error) {
	var out []string
	for _, name := range ch.Members {
		if trigger != nil && trigger.SenderKind == types.SenderMinion && trigger.SenderName == name {
			continue
		}
		m, err := o.repo.GetMinion(ctx, name)
		if errors.Is(err, types.ErrNotFound) {
			continue // the commander or a stale member
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load minion %s: %w", name, err)
		}
		if m.Enabled && !m.IsRegulator() {
			out = append(out, name)
		}
	}
	return out, nil
}

// history returns the newest n messages, minus the trigger itself.
func (o *Orchestrator) history(ctx context.Context, channelID string, n int, trigger *types.Message) ([]types.Message, error) {
	msgs, err := o.repo.RecentMessages(ctx, channelID, n+1)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if trigger != nil {
		msgs = slices.DeleteFunc(msgs, func(m types.Message) bool { return m.ID == trigger.ID })
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// acquire takes the minion's turn slot per the busy policy and a global
// concurrency unit. The returned func releases both.
func (o *Orchestrator) acquire(ctx context.Context, name string, policy string) (func(), error) {
	slot := o.slots.get(name)
	if err := slot.acquire(ctx, policy != BusyDrop); err != nil {
		return nil, err
	}
	if err := o.turns.Acquire(ctx, 1); err != nil {
		slot.release()
		return nil, err
	}
	return func() {
		o.turns.Release(1)
		slot.release()
	}, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, ch *types.Channel, trigger *types.Message, name string) (*turn.Result, error) {
	release, err := o.acquire(ctx, name, o.cfg.BusyPolicy)
	if err != nil {
		if errors.Is(err, types.ErrTurnSlotBusy) {
			logging.Orchestrator("%s is busy; dropping trigger %s", name, trigger.ID)
		}
		return nil, err
	}
	defer release()

	// Loaded under the slot so a queued turn sees its predecessor's state
	// and reply.
	m, err := o.repo.GetMinion(ctx, name)
	if err != nil {
		logging.OrchestratorError("Failed to load %s for its turn: %v", name, err)
		return nil, err
	}
	history, err := o.history(ctx, ch.ID, o.cfg.HistoryWindow, trigger)
	if err != nil {
		logging.OrchestratorError("Failed to load history for %s: %v", name, err)
		return nil, err
	}

	o.emit(Event{Kind: EventProcessingStarted, ChannelID: ch.ID, Minion: name, Processing: true})
	defer o.emit(Event{Kind: EventProcessingStopped, ChannelID: ch.ID, Minion: name, Processing: false})

	return o.engine.Run(ctx, turn.Request{
		Minion:  m,
		Channel: ch,
		Trigger: trigger,
		History: history,
	}, &channelSink{o: o, channelID: ch.ID}), nil
}

// runDueRegulators fires, one after another, every enabled regulator member
// whose interval has elapsed since its baseline. The baseline is reset after
// any pass that ran, including a failed one, so a broken regulator cannot
// fire on every message.
func (o *Orchestrator) runDueRegulators(ctx context.Context, channelID string) []*turn.Result {
	ch, err := o.repo.GetChannel(ctx, channelID)
	if err != nil {
		logging.OrchestratorError("Failed to reload channel %s: %v", channelID, err)
		return nil
	}

	var reports []*turn.Result
	for _, name := range ch.Members {
		m, err := o.repo.GetMinion(ctx, name)
		if err != nil || !m.Enabled || !m.IsRegulator() || m.RegulationInterval < 1 {
			continue
		}
		since := ch.MessageCounter - ch.RegulatorBaselines[name]
		if since < m.RegulationInterval {
			continue
		}

		logging.Regulator("%s is due in %s (%d messages since last report)", name, ch.Name, since)
		res := o.runRegulator(ctx, ch, m)
		if res == nil {
			continue
		}
		reports = append(reports, res)
		if res.Outcome == turn.OutcomeCanceled {
			continue
		}
		if err := o.repo.SetRegulatorBaseline(ctx, ch.ID, name, ch.MessageCounter); err != nil {
			logging.OrchestratorError("Failed to reset baseline for %s: %v", name, err)
		}
	}
	return reports
}

func (o *Orchestrator) runRegulator(ctx context.Context, ch *types.Channel, m *types.Minion) *turn.Result {
	release, err := o.acquire(ctx, m.Name, BusyQueue)
	if err != nil {
		return nil
	}
	defer release()

	history, err := o.history(ctx, ch.ID, o.cfg.RegulatorWindow, nil)
	if err != nil {
		logging.OrchestratorError("Regulator %s: %v", m.Name, err)
		return nil
	}

	o.emit(Event{Kind: EventProcessingStarted, ChannelID: ch.ID, Minion: m.Name, Processing: true})
	defer o.emit(Event{Kind: EventProcessingStopped, ChannelID: ch.ID, Minion: m.Name, Processing: false})

	return o.engine.Regulate(ctx, turn.RegulatorRequest{Regulator: m, Channel: ch, History: history}, &channelSink{o: o, channelID: ch.ID})
}

// =============================================================================
// SINGLE-WRITER APPEND
// =============================================================================

// Append persists msg and emits its event while holding the channel's
// writer lock, so event order matches log order. Error-flagged messages are
// mirrored into the system-log channel when one exists.
func (o *Orchestrator) Append(ctx context.Context, msg *types.Message) (*types.Message, error) {
	w := o.writers.get(msg.ChannelID)
	w.Lock()
	stored, ch, err := o.repo.AppendMessage(ctx, msg)
	if err == nil {
		o.emit(Event{Kind: eventFor(stored), ChannelID: stored.ChannelID, Message: stored})
	}
	w.Unlock()
	if err != nil {
		return nil, err
	}

	if stored.IsError && ch.Type != types.ChannelSystemLog {
		o.mirror(ctx, ch, stored)
	}
	return stored, nil
}

func (o *Orchestrator) mirror(ctx context.Context, from *types.Channel, msg *types.Message) {
	logCh, err := o.repo.SystemLogChannel(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			logging.OrchestratorError("Failed to find system log: %v", err)
		}
		return
	}
	copied := *msg
	copied.ID = ""
	copied.ChannelID = logCh.ID
	copied.Timestamp = time.Time{}
	copied.Content = fmt.Sprintf("[%s] %s", from.Name, msg.Content)
	if _, err := o.Append(ctx, &copied); err != nil {
		logging.OrchestratorError("Failed to mirror error into system log: %v", err)
	}
}

// channelSink adapts the orchestrator to turn.Sink.
type channelSink struct {
	o         *Orchestrator
	channelID string
}

func (s *channelSink) Append(ctx context.Context, msg *types.Message) (*types.Message, error) {
	return s.o.Append(ctx, msg)
}

func (s *channelSink) Chunk(messageID, minion, text string) {
	s.o.emit(Event{Kind: EventMessageChunk, ChannelID: s.channelID, Minion: minion, MessageID: messageID, Chunk: text})
}

func (s *channelSink) SaveMinionState(ctx context.Context, name string, opinions types.OpinionMap, diary *types.PerceptionPlan) error {
	return s.o.repo.UpdateMinionState(ctx, name, opinions, diary)
}
