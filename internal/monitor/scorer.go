package monitor

import "context"

// Scorer maps message text to a risk score in [0,1]. Implementations must
// not mutate shared state; an error means "score unavailable this attempt".
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(ctx context.Context, text string) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}

// Notifier is told about newly created alerts. Failures are logged only.
type Notifier interface {
	Notify(ctx context.Context, a *Alert) error
}
