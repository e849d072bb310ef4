package models

import (
	"fmt"
	"math"
	"strings"

	"behavior-gate/internal/util"
)

// Snapshot captures one client interaction window for a single booking or
// registration attempt. It is decoded once and passed by value afterwards.
type Snapshot struct {
	SessionID         string   `json:"sessionId"`
	MouseMoveCount    int64    `json:"mouseMoveCount"`
	KeyPressCount     int64    `json:"keyPressCount"`
	TimeOnPageSeconds float64  `json:"timeOnPageSeconds"`
	InteractionScore  float64  `json:"interactionScore"`
	IdleRatio         float64  `json:"idleRatio"`
	MouseMoveRate     *float64 `json:"mouseMoveRate,omitempty"`
}

// Validate checks the snapshot invariants. Ratio fields above 1 are not an
// error; they are clamped by Normalized.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidSnapshot)
	}
	if !util.ValidSessionID(s.SessionID) {
		return fmt.Errorf("%w: sessionId has invalid format", ErrInvalidSnapshot)
	}
	if s.MouseMoveCount < 0 {
		return fmt.Errorf("%w: mouseMoveCount must be non-negative", ErrInvalidSnapshot)
	}
	if s.KeyPressCount < 0 {
		return fmt.Errorf("%w: keyPressCount must be non-negative", ErrInvalidSnapshot)
	}

	floats := []struct {
		name string
		v    float64
	}{
		{"timeOnPageSeconds", s.TimeOnPageSeconds},
		{"interactionScore", s.InteractionScore},
		{"idleRatio", s.IdleRatio},
	}
	if s.MouseMoveRate != nil {
		floats = append(floats, struct {
			name string
			v    float64
		}{"mouseMoveRate", *s.MouseMoveRate})
	}
	for _, f := range floats {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidSnapshot, f.name)
		}
		if f.v < 0 {
			return fmt.Errorf("%w: %s must be non-negative", ErrInvalidSnapshot, f.name)
		}
	}
	return nil
}

// Normalized returns a copy with the ratio and score fields clamped to [0,1].
func (s Snapshot) Normalized() Snapshot {
	out := s
	out.InteractionScore = Clamp(s.InteractionScore, 0, 1)
	out.IdleRatio = Clamp(s.IdleRatio, 0, 1)
	if s.MouseMoveRate != nil {
		r := *s.MouseMoveRate
		out.MouseMoveRate = &r
	}
	return out
}

// Clamp bounds v to [lo, hi]. NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
