package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampOpinion(t *testing.T) {
	assert.Equal(t, 1, ClampOpinion(-20))
	assert.Equal(t, 1, ClampOpinion(0))
	assert.Equal(t, 42, ClampOpinion(42))
	assert.Equal(t, 100, ClampOpinion(250))
}

func TestOpinionMapDefaults(t *testing.T) {
	var m OpinionMap
	assert.Equal(t, DefaultOpinion, m.Score("Steven"))

	c := m.Clone()
	c["Steven"] = 70
	assert.Equal(t, 70, c.Score("Steven"))
	assert.Nil(t, m)
}

func TestMinionCloneIsDeep(t *testing.T) {
	m := &Minion{
		Name:     "Alpha",
		Tools:    []string{"list_files"},
		Opinions: OpinionMap{"Steven": 50},
		Diary: &PerceptionPlan{
			Action:        ActionUseTool,
			FinalOpinions: OpinionMap{"Steven": 50},
			ToolCall:      &ToolCall{Name: "list_files", Arguments: map[string]interface{}{"path": "a"}},
		},
	}

	c := m.Clone()
	c.Tools[0] = "other"
	c.Opinions["Steven"] = 99
	c.Diary.FinalOpinions["Steven"] = 1
	c.Diary.ToolCall.Arguments["path"] = "b"

	assert.Equal(t, "list_files", m.Tools[0])
	assert.Equal(t, 50, m.Opinions["Steven"])
	assert.Equal(t, 50, m.Diary.FinalOpinions["Steven"])
	assert.Equal(t, "a", m.Diary.ToolCall.Arguments["path"])
}

func TestCountsTowardRegulation(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"commander chat", Message{Kind: MessageChat, SenderKind: SenderCommander}, true},
		{"minion chat", Message{Kind: MessageChat, SenderKind: SenderMinion}, true},
		{"system error", Message{Kind: MessageSystem, SenderKind: SenderSystem, IsError: true}, false},
		{"regulator report", Message{Kind: MessageRegulatorReport, SenderKind: SenderMinion}, false},
		{"tool output", Message{Kind: MessageToolOutput, SenderKind: SenderTool}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.CountsTowardRegulation())
		})
	}
}

func TestApiKeyServes(t *testing.T) {
	open := ApiKey{ID: "k1"}
	scoped := ApiKey{ID: "k2", Models: []string{"gemini-2.5-flash"}}

	assert.True(t, open.Serves("gemini-2.5-pro"))
	assert.True(t, scoped.Serves("gemini-2.5-flash"))
	assert.False(t, scoped.Serves("gemini-2.5-pro"))
}

func TestQuotaExhaustedErrorMatchesSentinel(t *testing.T) {
	var err error = &QuotaExhaustedError{Model: "m", Pool: "p", KeysTried: 2}
	require.True(t, errors.Is(err, ErrQuotaExhausted))
	assert.Contains(t, err.Error(), "pool p")

	var qe *QuotaExhaustedError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 2, qe.KeysTried)
}
