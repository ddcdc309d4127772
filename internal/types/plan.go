package types

import "slices"

// Action is the discriminator of a PerceptionPlan.
type Action string

const (
	ActionSpeak      Action = "SPEAK"
	ActionStaySilent Action = "STAY_SILENT"
	ActionUseTool    Action = "USE_TOOL"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSpeak, ActionStaySilent, ActionUseTool:
		return true
	}
	return false
}

// OpinionUpdate records a score change the minion decided on.
type OpinionUpdate struct {
	Participant string `json:"participant"`
	NewScore    int    `json:"newScore"`
	Reason      string `json:"reason"`
}

// PerceptionPlan is the validated output of the perception stage.
// ToolCall is non-nil iff Action is ActionUseTool.
type PerceptionPlan struct {
	PerceptionAnalysis    string          `json:"perceptionAnalysis"`
	OpinionUpdates        []OpinionUpdate `json:"opinionUpdates"`
	FinalOpinions         OpinionMap      `json:"finalOpinions"`
	SelectedResponseMode  string          `json:"selectedResponseMode"`
	Action                Action          `json:"action"`
	ResponsePlan          string          `json:"responsePlan"`
	ToolCall              *ToolCall       `json:"toolCall,omitempty"`
	PredictedResponseTime int             `json:"predictedResponseTime,omitempty"`
	PersonalNotes         string          `json:"personalNotes,omitempty"`
}

// Clone returns a deep copy.
func (p *PerceptionPlan) Clone() *PerceptionPlan {
	c := *p
	c.OpinionUpdates = slices.Clone(p.OpinionUpdates)
	c.FinalOpinions = p.FinalOpinions.Clone()
	if p.ToolCall != nil {
		tc := *p.ToolCall
		if p.ToolCall.Arguments != nil {
			tc.Arguments = make(map[string]interface{}, len(p.ToolCall.Arguments))
			for k, v := range p.ToolCall.Arguments {
				tc.Arguments[k] = v
			}
		}
		c.ToolCall = &tc
	}
	return &c
}

// RegulatorReport is the structured meta-analysis of a channel.
type RegulatorReport struct {
	Sentiment     string   `json:"sentiment"`
	InferredGoal  string   `json:"inferredGoal"`
	OnTopicScore  int      `json:"onTopicScore"`
	ProgressScore int      `json:"progressScore"`
	Stalled       bool     `json:"stalled"`
	Summary       string   `json:"summary"`
	NextSteps     []string `json:"nextSteps"`
}
