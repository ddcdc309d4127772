package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legion/internal/logging"
	"legion/internal/types"
)

// executeTool runs one tool call and records exactly one tool-call and one
// tool-output entry in the turn's transient context. Tool failures become
// output text; only cancellation of the turn itself is returned.
func (e *Engine) executeTool(ctx context.Context, r *run, call *types.ToolCall) error {
	r.result.ToolIterations++

	callMsg := types.Message{
		ChannelID:  r.req.Channel.ID,
		SenderKind: types.SenderTool,
		SenderName: r.minion.Name,
		Kind:       types.MessageToolCall,
		Content:    fmt.Sprintf("%s called %s", r.minion.Name, call.Name),
		ToolCall:   call,
	}
	r.transient = append(r.transient, callMsg)
	e.showTool(ctx, r, &callMsg)

	start := time.Now()
	result, err := e.callTool(ctx, r, call)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	out := &types.ToolOutput{Name: call.Name}
	errMsg := ""
	if err != nil {
		toolErr := &types.ToolExecutionError{Tool: call.Name, Err: err}
		out.Text = toolErr.Error()
		out.Failed = true
		errMsg = err.Error()
		logging.ToolsWarn("%s: %v", r.minion.Name, toolErr)
	} else {
		out.Text = result.Text
		out.Structured = result.Structured
		logging.ToolsDebug("%s: %s returned %d chars", r.minion.Name, call.Name, len(result.Text))
	}
	logging.Audit().ToolExec(r.minion.Name, call.Name, time.Since(start).Milliseconds(), errMsg)

	outMsg := types.Message{
		ChannelID:  r.req.Channel.ID,
		SenderKind: types.SenderTool,
		SenderName: call.Name,
		Kind:       types.MessageToolOutput,
		Content:    out.Text,
		ToolOutput: out,
	}
	r.transient = append(r.transient, outMsg)
	e.showTool(ctx, r, &outMsg)
	return nil
}

func (e *Engine) callTool(ctx context.Context, r *run, call *types.ToolCall) (*types.ToolResult, error) {
	if e.tools == nil {
		return nil, fmt.Errorf("%s: %w", call.Name, types.ErrToolNotFound)
	}
	if !offered(r.tools, call.Name) {
		return nil, fmt.Errorf("%s is not enabled for %s: %w", call.Name, r.minion.Name, types.ErrToolNotFound)
	}

	if e.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ToolTimeout)
		defer cancel()
	}
	res, err := e.tools.CallTool(ctx, *call)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("timed out after %v: %w", e.cfg.ToolTimeout, err)
	}
	return res, err
}

// offered reports whether name matches a tool in the minion's catalog, by
// bare or server-qualified name.
func offered(tools []types.ToolInfo, name string) bool {
	for _, t := range tools {
		if t.Name == name || t.ServerID+"/"+t.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) showTool(ctx context.Context, r *run, msg *types.Message) {
	if !e.cfg.ShowToolMessages {
		return
	}
	if _, err := r.sink.Append(ctx, msg); err != nil {
		logging.ToolsWarn("failed to persist %s record: %v", msg.Kind, err)
	}
}
