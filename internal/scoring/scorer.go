// Package scoring maps feature vectors to a risk score in [0,1].
package scoring

import (
	"context"
	"math"

	"behavior-gate/internal/features"
)

// Scorer produces a risk score for a feature vector. Higher is more likely
// automated or fraudulent.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (float64, error)
	Version() string
}

// validScore reports whether s is a usable risk score.
func validScore(s float64) bool {
	return !math.IsNaN(s) && !math.IsInf(s, 0) && s >= 0 && s <= 1
}
