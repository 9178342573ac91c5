// Package risk maps numeric risk scores onto tiers using configurable
// thresholds, and derives the presentation metadata attached to each tier.
//
// Classification is total: any integer score and any pair of thresholds
// yields exactly one tier. Scores at or below the safe threshold are Safe,
// scores above it up to and including the medium threshold are Medium,
// and everything else is High.
package risk

import (
	"strings"

	"github.com/finomaly/finomaly/internal/settings"
)

// Tier is the risk band a score falls into.
type Tier string

const (
	TierSafe    Tier = "Safe"
	TierMedium  Tier = "Medium"
	TierHigh    Tier = "High"
	TierUnknown Tier = "Unknown"
)

// UnknownScore is the sentinel effective score for a transaction with no
// score from any source. It never enters tier counts or averages.
const UnknownScore = -1

// Tiers lists the scored tiers in ascending order of risk.
var Tiers = []Tier{TierSafe, TierMedium, TierHigh}

// Classify returns the tier for score under t.
func Classify(score int, t settings.Thresholds) Tier {
	switch {
	case score <= t.SafeThreshold:
		return TierSafe
	case score <= t.MediumThreshold:
		return TierMedium
	default:
		return TierHigh
	}
}

// ClassifyEffective classifies a reconciled score. Scores reported as
// unknown map to TierUnknown.
func ClassifyEffective(score int, known bool, t settings.Thresholds) Tier {
	if !known || score == UnknownScore {
		return TierUnknown
	}
	return Classify(score, t)
}

// Anomalous reports whether a tier counts towards the anomaly total.
func (t Tier) Anomalous() bool {
	return t == TierMedium || t == TierHigh
}

// Style is the display metadata for a tier.
type Style struct {
	Tier     Tier   `json:"tier"`
	Badge    string `json:"badge"`
	Progress string `json:"progress"`
	Color    string `json:"color"`
}

// Color returns the chart color for a tier.
func (t Tier) Color() string {
	switch t {
	case TierSafe:
		return "#10b981"
	case TierMedium:
		return "#f59e0b"
	case TierHigh:
		return "#ef4444"
	default:
		return "#6b7280"
	}
}

// BadgeClass returns the badge classes for a tier in light or dark theme.
func BadgeClass(tier Tier, dark bool) string {
	var tone string
	switch tier {
	case TierSafe:
		tone = "emerald"
	case TierMedium:
		tone = "amber"
	case TierHigh:
		tone = "red"
	default:
		tone = "gray"
	}
	if dark {
		return "bg-" + tone + "-900/30 text-" + tone + "-300 border-" + tone + "-800/50"
	}
	return "bg-" + tone + "-100 text-" + tone + "-800 border-" + tone + "-200"
}

// ProgressClass returns the progress-bar gradient for a tier.
func ProgressClass(tier Tier) string {
	switch tier {
	case TierSafe:
		return "bg-gradient-to-r from-emerald-500 to-green-500"
	case TierMedium:
		return "bg-gradient-to-r from-amber-500 to-orange-500"
	case TierHigh:
		return "bg-gradient-to-r from-red-500 to-rose-500"
	default:
		return "bg-gray-300"
	}
}

// StyleFor classifies score once and derives every style field from the
// resulting tier.
func StyleFor(score int, known bool, t settings.Thresholds, dark bool) Style {
	tier := ClassifyEffective(score, known, t)
	return Style{
		Tier:     tier,
		Badge:    BadgeClass(tier, dark),
		Progress: ProgressClass(tier),
		Color:    tier.Color(),
	}
}

// LevelClass returns the badge classes for a textual risk level carried by
// a stored transaction (low, medium, high, critical).
func LevelClass(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "low":
		return "bg-green-100 text-green-800"
	case "medium":
		return "bg-yellow-100 text-yellow-800"
	case "high":
		return "bg-orange-100 text-orange-800"
	case "critical":
		return "bg-red-100 text-red-800"
	default:
		return "bg-gray-100 text-gray-800"
	}
}

// StatusClass returns the badge classes for a transaction status
// (completed, pending, flagged).
func StatusClass(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed":
		return "bg-green-100 text-green-800"
	case "pending":
		return "bg-yellow-100 text-yellow-800"
	case "flagged":
		return "bg-red-100 text-red-800"
	default:
		return "bg-gray-100 text-gray-800"
	}
}
