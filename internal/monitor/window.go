package monitor

import (
	"fmt"
	"math"
)

// pushWindow appends score and evicts the oldest entries beyond size.
// The returned slice never aliases history.
func pushWindow(history []float64, score float64, size int) []float64 {
	start := 0
	if n := len(history) + 1; n > size {
		start = n - size
	}
	out := make([]float64, 0, len(history)-start+1)
	out = append(out, history[start:]...)
	return append(out, score)
}

// CheckScore rejects NaN and values outside [0,1].
func CheckScore(s float64) error {
	if math.IsNaN(s) || s < 0 || s > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidScore, s)
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
