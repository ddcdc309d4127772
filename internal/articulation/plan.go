package articulation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"legion/internal/logging"
	"legion/internal/types"
)

const maxScoreMagnitude = 1e6

// score accepts a JSON number or numeric string, rounding fractions.
type score int

func (s *score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(str))
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("score %s is not a number", data)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("score %s is not finite", data)
	}
	// Bounded well inside int range so clamping keeps the sign.
	*s = score(math.Round(max(-maxScoreMagnitude, min(maxScoreMagnitude, f))))
	return nil
}

type wirePlan struct {
	PerceptionAnalysis string `json:"perceptionAnalysis"`
	OpinionUpdates     []struct {
		Participant string `json:"participant"`
		NewScore    *score `json:"newScore"`
		Reason      string `json:"reason"`
	} `json:"opinionUpdates"`
	FinalOpinions         map[string]score `json:"finalOpinions"`
	SelectedResponseMode  string           `json:"selectedResponseMode"`
	Action                *string          `json:"action"`
	ResponsePlan          string           `json:"responsePlan"`
	ToolCall              *types.ToolCall  `json:"toolCall"`
	PredictedResponseTime score            `json:"predictedResponseTime"`
	PersonalNotes         string           `json:"personalNotes"`
}

// ParsePlan extracts and validates a PerceptionPlan from raw model text.
//
// The result always satisfies: Action is valid; ToolCall is non-nil iff
// Action is USE_TOOL; every score lies in [1,100]; FinalOpinions holds every
// participant named in OpinionUpdates, at the updated score.
// Any violation that cannot be normalized is a *types.PlanParseError.
func ParsePlan(raw string) (*types.PerceptionPlan, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &types.PlanParseError{Reason: "empty output", Raw: raw}
	}

	var (
		wp      wirePlan
		lastErr error
		decoded bool
	)
	for _, cand := range jsonCandidates(raw) {
		wp = wirePlan{}
		if err := json.Unmarshal([]byte(cand), &wp); err != nil {
			lastErr = err
			continue
		}
		if wp.Action == nil {
			lastErr = errors.New(`missing "action"`)
			continue
		}
		decoded = true
		break
	}
	if !decoded {
		if lastErr == nil {
			lastErr = errors.New("no JSON object found")
		}
		return nil, &types.PlanParseError{Reason: "no valid plan object", Raw: raw, Err: lastErr}
	}

	action := types.Action(strings.ToUpper(strings.TrimSpace(*wp.Action)))
	if !action.Valid() {
		return nil, &types.PlanParseError{Reason: fmt.Sprintf("unknown action %q", *wp.Action), Raw: raw}
	}

	plan := &types.PerceptionPlan{
		PerceptionAnalysis:    wp.PerceptionAnalysis,
		SelectedResponseMode:  wp.SelectedResponseMode,
		Action:                action,
		ResponsePlan:          wp.ResponsePlan,
		PredictedResponseTime: int(wp.PredictedResponseTime),
		PersonalNotes:         wp.PersonalNotes,
		FinalOpinions:         make(types.OpinionMap, len(wp.FinalOpinions)),
	}

	for name, s := range wp.FinalOpinions {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		plan.FinalOpinions[name] = types.ClampOpinion(int(s))
	}

	for i, u := range wp.OpinionUpdates {
		name := strings.TrimSpace(u.Participant)
		if name == "" {
			return nil, &types.PlanParseError{Reason: fmt.Sprintf("opinionUpdates[%d] has no participant", i), Raw: raw}
		}
		if u.NewScore == nil {
			return nil, &types.PlanParseError{Reason: fmt.Sprintf("opinionUpdates[%d] has no newScore", i), Raw: raw}
		}
		clamped := types.ClampOpinion(int(*u.NewScore))
		if clamped != int(*u.NewScore) {
			logging.ArticulationDebug("Clamped score for %s from %d to %d", name, int(*u.NewScore), clamped)
		}
		plan.OpinionUpdates = append(plan.OpinionUpdates, types.OpinionUpdate{
			Participant: name,
			NewScore:    clamped,
			Reason:      u.Reason,
		})
		// The update is authoritative for the participant it names.
		plan.FinalOpinions[name] = clamped
	}

	switch action {
	case types.ActionUseTool:
		if wp.ToolCall == nil || strings.TrimSpace(wp.ToolCall.Name) == "" {
			return nil, &types.PlanParseError{Reason: "USE_TOOL without a toolCall name", Raw: raw}
		}
		tc := *wp.ToolCall
		tc.Name = strings.TrimSpace(tc.Name)
		if tc.Arguments == nil {
			tc.Arguments = map[string]interface{}{}
		}
		plan.ToolCall = &tc
	default:
		if wp.ToolCall != nil {
			logging.ArticulationDebug("Dropping toolCall %q from %s plan", wp.ToolCall.Name, action)
		}
	}

	return plan, nil
}
