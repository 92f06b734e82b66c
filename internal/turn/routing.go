package turn

import "strings"

// Tier is the routing classification from spec.md §4.1.b.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Model resolves a tier to a concrete model name from the configured
// TierModels table, falling back to Medium's model when a tier has none
// configured.
func (t Tier) Model(tiers TierModels) string {
	switch t {
	case TierLow:
		if tiers.Low != "" {
			return tiers.Low
		}
	case TierHigh:
		if tiers.High != "" {
			return tiers.High
		}
	}
	return tiers.Medium
}

// highSignalKeywords nudge a prompt toward the High tier regardless of
// length — the kind of request that benefits from a stronger model even
// when phrased tersely.
var highSignalKeywords = []string{
	"architecture", "security", "vulnerability", "race condition",
	"design doc", "refactor", "concurrency", "migration",
}

// ClassifyTier implements spec.md §4.1.b's keyword score with length boost:
// words > 200 add 2 to the high-tier score, words > 80 add 1; ties resolve
// to Medium.
func ClassifyTier(prompt string) Tier {
	words := len(strings.Fields(prompt))

	highScore := 0
	switch {
	case words > 200:
		highScore += 2
	case words > 80:
		highScore += 1
	}

	lower := strings.ToLower(prompt)
	for _, kw := range highSignalKeywords {
		if strings.Contains(lower, kw) {
			highScore++
		}
	}

	switch {
	case highScore >= 2:
		return TierHigh
	case highScore == 1:
		return TierMedium
	default:
		return TierLow
	}
}
