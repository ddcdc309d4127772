package turn

import (
	"context"
	"fmt"
	"time"

	"legion/internal/articulation"
	"legion/internal/logging"
	"legion/internal/prompt"
	"legion/internal/types"
	"legion/internal/usage"
)

// RegulatorRequest is the input of one regulator pass.
type RegulatorRequest struct {
	Regulator *types.Minion
	Channel   *types.Channel
	History   []types.Message
}

// Regulate runs a single-attempt meta-analysis of the channel. A report is
// appended as a regulator-report message; any failure, including an
// unparsable report, becomes one error-flagged system message. Regulators
// hold no opinions and never use tools.
func (e *Engine) Regulate(ctx context.Context, req RegulatorRequest, sink Sink) *Result {
	reg := req.Regulator
	timer := logging.StartTimer(logging.CategoryRegulator, "Regulate "+reg.Name)
	defer timer.Stop()

	start := time.Now()
	res := &Result{Minion: reg.Name, Trace: []State{StatePerceiving}}
	defer func() {
		res.Trace = append(res.Trace, StateDone)
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		logging.Audit().RegulatorPass(reg.Name, req.Channel.ID, time.Since(start).Milliseconds(), errMsg)
	}()

	ctx = usage.WithTurn(ctx, reg.Name, req.Channel.ID)
	text := prompt.BuildRegulator(prompt.RegulatorInput{
		Regulator: reg,
		Channel:   req.Channel,
		History:   req.History,
	})

	raw, err := e.complete(ctx, reg, text, usage.OpRegulate)
	if err == nil {
		var report *types.RegulatorReport
		report, err = articulation.ParseRegulatorReport(raw)
		if err == nil {
			msg, appendErr := sink.Append(ctx, &types.Message{
				ChannelID:  req.Channel.ID,
				SenderKind: types.SenderMinion,
				SenderName: reg.Name,
				Kind:       types.MessageRegulatorReport,
				Content:    report.Summary,
				Report:     report,
			})
			if appendErr == nil {
				res.Outcome = OutcomeReported
				res.Message = msg
				logging.Regulator("%s reported on %s: on-topic %d, progress %d, stalled %v",
					reg.Name, req.Channel.ID, report.OnTopicScore, report.ProgressScore, report.Stalled)
				return res
			}
			err = fmt.Errorf("failed to append report: %w", appendErr)
		}
	}

	res.Err = err
	if ctx.Err() != nil {
		res.Outcome = OutcomeCanceled
		return res
	}
	res.Outcome = OutcomeFailed
	logging.RegulatorWarn("%s failed on %s: %v", reg.Name, req.Channel.ID, err)
	e.reportError(ctx, sink, req.Channel.ID, fmt.Sprintf("Regulator %s could not report: %v", reg.Name, err))
	return res
}
