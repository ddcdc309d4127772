// Package turn runs one minion's reaction to one triggering message: the
// bounded perceive, tool, respond state machine, and the single-shot
// regulator pass.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"legion/internal/articulation"
	"legion/internal/logging"
	"legion/internal/prompt"
	"legion/internal/quota"
	"legion/internal/types"
	"legion/internal/usage"

	"github.com/google/uuid"
)

// State is a turn engine state.
type State string

const (
	StatePerceiving    State = "PERCEIVING"
	StateToolExecuting State = "TOOL_EXECUTING"
	StateResponding    State = "RESPONDING"
	StateDone          State = "DONE"
)

// Outcome summarizes how a turn ended.
type Outcome string

const (
	OutcomeSpoke       Outcome = "spoke"
	OutcomeSilent      Outcome = "silent"
	OutcomeParseFailed Outcome = "parse_failed"
	OutcomeFailed      Outcome = "failed"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeReported    Outcome = "reported"
)

// Config bounds the engine.
type Config struct {
	// MaxToolIterations caps tool calls per turn.
	MaxToolIterations int
	// ToolTimeout bounds one tool call. Zero means only the caller's context.
	ToolTimeout time.Duration
	// ShowToolMessages persists tool-call and tool-output records to the
	// channel log instead of keeping them transient.
	ShowToolMessages bool
	Bands            []types.OpinionBand
	CommanderName    string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolIterations: 5,
		CommanderName:     types.CommanderName,
	}
}

// Sink receives the durable effects of a turn. Append persists a message
// and returns the stored copy; Chunk forwards a streamed fragment of the
// message being generated.
type Sink interface {
	Append(ctx context.Context, msg *types.Message) (*types.Message, error)
	Chunk(messageID, minion, text string)
	SaveMinionState(ctx context.Context, name string, opinions types.OpinionMap, diary *types.PerceptionPlan) error
}

// Request is the input of one turn.
type Request struct {
	Minion  *types.Minion
	Channel *types.Channel
	Trigger *types.Message
	History []types.Message
}

// Result reports what a turn did.
type Result struct {
	Minion         string
	Outcome        Outcome
	Plan           *types.PerceptionPlan
	Message        *types.Message
	Opinions       types.OpinionMap
	ToolIterations int
	// Trace lists the states visited in order, ending with StateDone.
	Trace []State
	Err   error
}

// Engine runs turns. It holds no per-turn state and is safe for concurrent
// use; callers guarantee at most one active turn per minion.
type Engine struct {
	cfg     Config
	model   types.ModelClient
	alloc   *quota.Allocator
	tools   types.ToolBridge
	tracker *usage.Tracker
}

// NewEngine creates an engine. tools and tracker may be nil.
func NewEngine(cfg Config, model types.ModelClient, alloc *quota.Allocator, tools types.ToolBridge, tracker *usage.Tracker) *Engine {
	if cfg.MaxToolIterations < 1 {
		cfg.MaxToolIterations = DefaultConfig().MaxToolIterations
	}
	if cfg.CommanderName == "" {
		cfg.CommanderName = types.CommanderName
	}
	return &Engine{cfg: cfg, model: model, alloc: alloc, tools: tools, tracker: tracker}
}

// run carries the mutable state of one turn.
type run struct {
	req       Request
	minion    *types.Minion
	sink      Sink
	tools     []types.ToolInfo
	transient []types.Message
	result    *Result
}

func (r *run) enter(s State) {
	r.result.Trace = append(r.result.Trace, s)
	logging.TurnDebug("%s/%s -> %s", r.minion.Name, r.req.Channel.ID, s)
}

// Run drives one minion through PERCEIVING, optional TOOL_EXECUTING rounds,
// and RESPONDING. Failures never escape as panics or partial state: the
// result says what happened and, for terminal errors, an error-flagged system
// message has been appended through sink.
func (e *Engine) Run(ctx context.Context, req Request, sink Sink) *Result {
	timer := logging.StartTimer(logging.CategoryTurn, "Turn "+req.Minion.Name)
	defer timer.Stop()

	start := time.Now()
	triggerID := ""
	if req.Trigger != nil {
		triggerID = req.Trigger.ID
	}
	logging.Audit().TurnStart(req.Minion.Name, req.Channel.ID, triggerID)

	ctx = usage.WithTurn(ctx, req.Minion.Name, req.Channel.ID)
	r := &run{
		req:    req,
		minion: req.Minion.Clone(),
		sink:   sink,
		result: &Result{Minion: req.Minion.Name},
	}
	e.loop(ctx, r)
	r.enter(StateDone)

	res := r.result
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	action := string(res.Outcome)
	if res.Plan != nil {
		action = string(res.Plan.Action)
	}
	logging.Audit().TurnEnd(req.Minion.Name, req.Channel.ID, action, res.ToolIterations, time.Since(start).Milliseconds(), errMsg)
	logging.Turn("%s finished turn in %s: %s (%d tool calls)", req.Minion.Name, req.Channel.ID, res.Outcome, res.ToolIterations)
	return res
}

func (e *Engine) loop(ctx context.Context, r *run) {
	if e.tools != nil && len(r.minion.Tools) > 0 {
		tools, err := e.tools.ListTools(ctx, r.minion)
		if err != nil {
			logging.Get(logging.CategoryTurn).Warn("%s: tool catalog unavailable: %v", r.minion.Name, err)
		}
		r.tools = tools
	}

	var plan *types.PerceptionPlan
	for {
		r.enter(StatePerceiving)
		next, err := e.perceive(ctx, r)
		if err != nil {
			e.terminate(ctx, r, err)
			return
		}
		plan = next
		r.result.Plan = plan

		if plan.Action != types.ActionUseTool {
			break
		}
		if r.result.ToolIterations >= e.cfg.MaxToolIterations {
			logging.TurnWarn("%s hit the tool limit (%d); forcing a reply", r.minion.Name, e.cfg.MaxToolIterations)
			plan = toolLimitPlan(plan, e.cfg.MaxToolIterations)
			r.result.Plan = plan
			break
		}

		r.enter(StateToolExecuting)
		if err := e.executeTool(ctx, r, plan.ToolCall); err != nil {
			e.terminate(ctx, r, err)
			return
		}
	}

	r.result.Opinions = mergeOpinions(r.minion, plan)

	if plan.Action == types.ActionStaySilent {
		if err := r.sink.SaveMinionState(ctx, r.minion.Name, r.result.Opinions, plan); err != nil {
			e.terminate(ctx, r, fmt.Errorf("failed to save state: %w", err))
			return
		}
		r.result.Outcome = OutcomeSilent
		return
	}

	r.enter(StateResponding)
	msg, err := e.respond(ctx, r, plan)
	if err != nil {
		e.terminate(ctx, r, err)
		return
	}
	r.result.Message = msg
	if err := r.sink.SaveMinionState(ctx, r.minion.Name, r.result.Opinions, plan); err != nil {
		// The message is already in the log; report but keep the outcome.
		logging.Get(logging.CategoryTurn).Error("%s: failed to save state after speaking: %v", r.minion.Name, err)
		r.result.Err = err
	}
	r.result.Outcome = OutcomeSpoke
}

// terminate ends the turn on err. Cancellation and repeated parse failure
// end quietly; every other error is surfaced as a system message.
func (e *Engine) terminate(ctx context.Context, r *run, err error) {
	r.result.Err = err
	r.result.Opinions = nil

	var ppe *types.PlanParseError
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		r.result.Outcome = OutcomeCanceled
		logging.TurnDebug("%s: turn canceled: %v", r.minion.Name, err)
		return
	case errors.As(err, &ppe):
		r.result.Outcome = OutcomeParseFailed
		logging.TurnWarn("%s stays silent after two unparsable plans: %v", r.minion.Name, err)
		return
	}

	r.result.Outcome = OutcomeFailed
	logging.Get(logging.CategoryTurn).Error("%s: turn failed: %v", r.minion.Name, err)
	e.reportError(ctx, r.sink, r.req.Channel.ID, fmt.Sprintf("%s could not respond: %v", r.minion.Name, err))
}

func (e *Engine) reportError(ctx context.Context, sink Sink, channelID, text string) {
	msg := &types.Message{
		ChannelID:  channelID,
		SenderKind: types.SenderSystem,
		SenderName: "System",
		Kind:       types.MessageSystem,
		Content:    text,
		IsError:    true,
	}
	if _, err := sink.Append(ctx, msg); err != nil {
		logging.Get(logging.CategoryTurn).Error("failed to append error message to %s: %v", channelID, err)
	}
}

// =============================================================================
// PERCEIVING
// =============================================================================

func (e *Engine) perceive(ctx context.Context, r *run) (*types.PerceptionPlan, error) {
	in := prompt.PerceptionInput{
		Minion:        r.minion,
		Channel:       r.req.Channel,
		Trigger:       r.req.Trigger,
		History:       r.req.History,
		Transient:     r.transient,
		Tools:         r.tools,
		Bands:         e.cfg.Bands,
		CommanderName: e.cfg.CommanderName,
		ToolCallsLeft: e.cfg.MaxToolIterations - r.result.ToolIterations,
	}
	text := prompt.BuildPerception(in)

	raw, err := e.complete(ctx, r.minion, text, usage.OpPerceive)
	if err != nil {
		return nil, err
	}
	plan, perr := articulation.ParsePlan(raw)
	if perr == nil {
		return e.finishPlan(r, plan), nil
	}

	logging.Get(logging.CategoryArticulation).Warn("%s: unparsable plan, retrying once: %v", r.minion.Name, perr)
	raw, err = e.complete(ctx, r.minion, prompt.BuildCorrective(text, raw, perr), usage.OpPerceive)
	if err != nil {
		return nil, err
	}
	plan, perr = articulation.ParsePlan(raw)
	if perr != nil {
		return nil, perr
	}
	return e.finishPlan(r, plan), nil
}

// finishPlan removes self-opinions and derives the response mode from the
// trigger sender's resulting score.
func (e *Engine) finishPlan(r *run, plan *types.PerceptionPlan) *types.PerceptionPlan {
	delete(plan.FinalOpinions, r.minion.Name)
	updates := plan.OpinionUpdates[:0]
	for _, u := range plan.OpinionUpdates {
		if u.Participant != r.minion.Name {
			updates = append(updates, u)
		}
	}
	plan.OpinionUpdates = updates

	score := types.DefaultOpinion
	if t := r.req.Trigger; t != nil && (t.SenderKind == types.SenderCommander || t.SenderKind == types.SenderMinion) {
		if s, ok := plan.FinalOpinions[t.SenderName]; ok {
			score = s
		} else {
			score = r.minion.Opinions.Score(t.SenderName)
		}
	}
	plan.SelectedResponseMode = prompt.BandFor(e.cfg.Bands, score).Name
	return plan
}

// mergeOpinions overlays the plan's final opinions on the minion's map.
func mergeOpinions(m *types.Minion, plan *types.PerceptionPlan) types.OpinionMap {
	out := m.Opinions.Clone()
	for name, s := range plan.FinalOpinions {
		out[name] = types.ClampOpinion(s)
	}
	return out
}

func toolLimitPlan(last *types.PerceptionPlan, limit int) *types.PerceptionPlan {
	p := last.Clone()
	p.Action = types.ActionSpeak
	p.ToolCall = nil
	p.ResponsePlan = fmt.Sprintf(
		"You used all %d tool calls allowed this turn and could not finish. Apologize briefly, share what the tool results so far show, and say what is still missing.",
		limit)
	return p
}

// =============================================================================
// MODEL CALLS
// =============================================================================

// complete makes one non-streamed call under a freshly allocated key. Usage
// is committed only when the call succeeds.
func (e *Engine) complete(ctx context.Context, m *types.Minion, text string, op usage.Operation) (string, error) {
	grant, err := e.alloc.Allocate(m, m.Model)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := e.model.Complete(ctx, types.CompletionRequest{
		Prompt:      text,
		Model:       m.Model,
		APIKey:      grant.Key.Secret,
		Temperature: m.Temperature,
		JSON:        true,
	})
	if err != nil {
		grant.Release()
		logging.Audit().LLMCall(m.Model, grant.Key.ID, string(op), 0, time.Since(start).Milliseconds(), err.Error())
		return "", err
	}

	grant.Commit(resp.TokensUsed)
	e.track(ctx, m.Model, grant.Key.ID, resp.TokensUsed, op)
	logging.Audit().LLMCall(m.Model, grant.Key.ID, string(op), resp.TokensUsed, time.Since(start).Milliseconds(), "")
	return resp.Text, nil
}

func (e *Engine) track(ctx context.Context, model, keyID string, tokens int, op usage.Operation) {
	if e.tracker != nil {
		e.tracker.Track(ctx, model, keyID, tokens, op)
	}
}

// =============================================================================
// RESPONDING
// =============================================================================

func (e *Engine) respond(ctx context.Context, r *run, plan *types.PerceptionPlan) (*types.Message, error) {
	m := r.minion
	mode := prompt.BandFor(e.cfg.Bands, types.DefaultOpinion)
	for _, b := range e.cfg.Bands {
		if b.Name == plan.SelectedResponseMode {
			mode = b
			break
		}
	}
	text := prompt.BuildResponse(prompt.ResponseInput{
		Minion:        m,
		Channel:       r.req.Channel,
		Trigger:       r.req.Trigger,
		History:       r.req.History,
		Transient:     r.transient,
		Plan:          plan,
		Mode:          mode,
		CommanderName: e.cfg.CommanderName,
	})

	grant, err := e.alloc.Allocate(m, m.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	chunks, err := e.model.Stream(ctx, types.CompletionRequest{
		Prompt:      text,
		Model:       m.Model,
		APIKey:      grant.Key.Secret,
		Temperature: m.Temperature,
	})
	if err != nil {
		grant.Release()
		logging.Audit().LLMCall(m.Model, grant.Key.ID, string(usage.OpRespond), 0, time.Since(start).Milliseconds(), err.Error())
		return nil, err
	}

	msgID := uuid.NewString()
	var (
		sb        strings.Builder
		tokens    int
		streamErr error
	)
	// The stream is drained until closed; closing is the only completion signal.
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.TokensUsed > 0 {
			tokens = chunk.TokensUsed
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			r.sink.Chunk(msgID, m.Name, chunk.Text)
		}
	}

	if streamErr == nil {
		streamErr = ctx.Err()
	}
	if streamErr == nil && strings.TrimSpace(sb.String()) == "" {
		streamErr = &types.ModelCallError{Kind: types.ModelCallTransport, Model: m.Model, Err: errors.New("empty response")}
	}
	if streamErr != nil {
		grant.Release()
		logging.Audit().LLMCall(m.Model, grant.Key.ID, string(usage.OpRespond), 0, time.Since(start).Milliseconds(), streamErr.Error())
		return nil, streamErr
	}

	grant.Commit(tokens)
	e.track(ctx, m.Model, grant.Key.ID, tokens, usage.OpRespond)
	logging.Audit().LLMCall(m.Model, grant.Key.ID, string(usage.OpRespond), tokens, time.Since(start).Milliseconds(), "")

	stored, err := r.sink.Append(ctx, &types.Message{
		ID:         msgID,
		ChannelID:  r.req.Channel.ID,
		SenderKind: types.SenderMinion,
		SenderName: m.Name,
		Kind:       types.MessageChat,
		Content:    strings.TrimSpace(sb.String()),
		Diary:      plan.Clone(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append reply: %w", err)
	}
	return stored, nil
}
