package usage

// UsageData is the root structure stored in usage.json.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// Operation names the turn stage a model call served.
type Operation string

const (
	OpPerceive Operation = "perceive"
	OpRespond  Operation = "respond"
	OpRegulate Operation = "regulate"
)

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	Total       TokenCounts            `json:"total"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByKey       map[string]TokenCounts `json:"by_key"`
	ByMinion    map[string]TokenCounts `json:"by_minion"`
	ByChannel   map[string]TokenCounts `json:"by_channel"`
	ByOperation map[string]TokenCounts `json:"by_operation"` // perceive, respond, regulate
}

// TokenCounts holds call and token sums.
type TokenCounts struct {
	Calls  int64 `json:"calls"`
	Tokens int64 `json:"tokens"`
}

func (tc *TokenCounts) Add(tokens int) {
	tc.Calls++
	tc.Tokens += int64(tokens)
}
