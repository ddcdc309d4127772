package prompt

import (
	"fmt"
	"strings"

	"legion/internal/types"
)

// BandFor returns the band a score falls in. Bands are ordered by ascending
// Max; scores above every Max land in the last band. With no bands
// configured, every score is "neutral".
func BandFor(bands []types.OpinionBand, score int) types.OpinionBand {
	if len(bands) == 0 {
		return types.OpinionBand{Name: "neutral", Max: types.MaxOpinion}
	}
	score = types.ClampOpinion(score)
	for _, b := range bands {
		if score <= b.Max {
			return b
		}
	}
	return bands[len(bands)-1]
}

// describeBands renders the band table for the perception prompt.
func describeBands(bands []types.OpinionBand) string {
	var sb strings.Builder
	lo := types.MinOpinion
	for _, b := range bands {
		sb.WriteString(fmt.Sprintf("- %s (%d-%d): %s\n", b.Name, lo, b.Max, b.Guidance))
		lo = b.Max + 1
	}
	return sb.String()
}
