package articulation

import (
	"errors"
	"testing"

	"legion/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseRegulatorReport(t *testing.T) {
	raw := "```json\n" + `{
  "sentiment": " tense ",
  "inferredGoal": "ship the release",
  "onTopicScore": 130,
  "progressScore": "-4",
  "stalled": true,
  "summary": "The team is arguing about naming.",
  "nextSteps": ["Pick a name", "  ", "Write the changelog"]
}` + "\n```"

	got, err := ParseRegulatorReport(raw)
	require.NoError(t, err)

	want := &types.RegulatorReport{
		Sentiment:     "tense",
		InferredGoal:  "ship the release",
		OnTopicScore:  100,
		ProgressScore: 0,
		Stalled:       true,
		Summary:       "The team is arguing about naming.",
		NextSteps:     []string{"Pick a name", "Write the changelog"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseRegulatorReport mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRegulatorReportRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":         "",
		"prose":         "Everything is fine.",
		"no summary":    `{"sentiment": "calm", "onTopicScore": 80}`,
		"blank summary": `{"summary": "   "}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegulatorReport(raw)
			var re *types.RegulatorParseError
			require.True(t, errors.As(err, &re), "got %v", err)
		})
	}
}
