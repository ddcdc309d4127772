package articulation

import (
	"encoding/json"
	"errors"
	"strings"

	"legion/internal/types"
)

type wireReport struct {
	Sentiment     string   `json:"sentiment"`
	InferredGoal  string   `json:"inferredGoal"`
	OnTopicScore  score    `json:"onTopicScore"`
	ProgressScore score    `json:"progressScore"`
	Stalled       bool     `json:"stalled"`
	Summary       *string  `json:"summary"`
	NextSteps     []string `json:"nextSteps"`
}

// ParseRegulatorReport extracts a RegulatorReport from raw model text.
// Scores are clamped to [0,100]; blank next steps are dropped. A missing or
// empty summary is a *types.RegulatorParseError.
func ParseRegulatorReport(raw string) (*types.RegulatorReport, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &types.RegulatorParseError{Reason: "empty output", Raw: raw}
	}

	var lastErr error
	for _, cand := range jsonCandidates(raw) {
		var wr wireReport
		if err := json.Unmarshal([]byte(cand), &wr); err != nil {
			lastErr = err
			continue
		}
		if wr.Summary == nil || strings.TrimSpace(*wr.Summary) == "" {
			lastErr = errors.New(`missing "summary"`)
			continue
		}

		report := &types.RegulatorReport{
			Sentiment:     strings.TrimSpace(wr.Sentiment),
			InferredGoal:  strings.TrimSpace(wr.InferredGoal),
			OnTopicScore:  clampPercent(int(wr.OnTopicScore)),
			ProgressScore: clampPercent(int(wr.ProgressScore)),
			Stalled:       wr.Stalled,
			Summary:       strings.TrimSpace(*wr.Summary),
		}
		for _, step := range wr.NextSteps {
			if step = strings.TrimSpace(step); step != "" {
				report.NextSteps = append(report.NextSteps, step)
			}
		}
		return report, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no JSON object found")
	}
	return nil, &types.RegulatorParseError{Reason: "no valid report object", Raw: raw, Err: lastErr}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
