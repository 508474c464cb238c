// Package lexicon is an offline scorer for development and tests. It
// matches weighted phrases and combines their weights as independent
// probabilities, so more hits push the score toward 1 without passing it.
package lexicon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

// DefaultTerms covers common grooming cues: secrecy, isolation, gifts,
// requests to move platforms or meet, and requests for images.
var DefaultTerms = map[string]float64{
	"our secret":           0.6,
	"dont tell":            0.55,
	"don't tell":           0.55,
	"delete this":          0.45,
	"delete the messages":  0.5,
	"just between us":      0.55,
	"your parents":         0.25,
	"are you alone":        0.5,
	"home alone":           0.4,
	"send a pic":           0.5,
	"send me a picture":    0.5,
	"send a photo":         0.5,
	"webcam":               0.3,
	"meet up":              0.35,
	"meet in person":       0.45,
	"where do you live":    0.4,
	"what school":          0.3,
	"how old are you":      0.2,
	"mature for your age":  0.6,
	"gift card":            0.3,
	"buy you":              0.25,
	"snapchat":             0.15,
	"private chat":         0.35,
	"trust me":             0.2,
	"keep this quiet":      0.45,
}

type term struct {
	phrase string
	weight float64
}

// Scorer is a monitor.Scorer over a fixed phrase list.
type Scorer struct {
	terms []term
}

var _ monitor.Scorer = (*Scorer)(nil)

// New builds a scorer over terms; nil uses DefaultTerms. Weights must be in [0,1].
func New(terms map[string]float64) (*Scorer, error) {
	if terms == nil {
		terms = DefaultTerms
	}
	s := &Scorer{terms: make([]term, 0, len(terms))}
	for phrase, w := range terms {
		if err := monitor.CheckScore(w); err != nil {
			return nil, fmt.Errorf("term %q: %w", phrase, err)
		}
		p := normalize(phrase)
		if p == "" {
			return nil, fmt.Errorf("term %q is empty after normalization", phrase)
		}
		s.terms = append(s.terms, term{phrase: p, weight: w})
	}
	// Deterministic iteration keeps float rounding stable across runs.
	sort.Slice(s.terms, func(i, j int) bool { return s.terms[i].phrase < s.terms[j].phrase })
	return s, nil
}

// Score implements monitor.Scorer. It never fails except on a done ctx.
func (s *Scorer) Score(ctx context.Context, text string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	padded := " " + normalize(text) + " "
	safe := 1.0
	for _, t := range s.terms {
		if strings.Contains(padded, " "+t.phrase+" ") {
			safe *= 1 - t.weight
		}
	}
	return 1 - safe, nil
}

// normalize lowercases, drops apostrophes and folds every other
// non-alphanumeric run into one space.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
