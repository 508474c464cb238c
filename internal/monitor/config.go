package monitor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config is the immutable pipeline configuration, built once at startup
// and passed by value into every component.
type Config struct {
	MessageRiskThreshold float64
	ContactRiskThreshold float64
	AlertCooldown        time.Duration
	WindowSize           int
	IntakeBatchSize      int
	Concurrency          int
	ScoreTimeout         time.Duration
	Risk                 RiskPolicy
	Thresholds           ThresholdPolicy
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		MessageRiskThreshold: 0.7,
		ContactRiskThreshold: 0.6,
		AlertCooldown:        24 * time.Hour,
		WindowSize:           50,
		IntakeBatchSize:      100,
		Concurrency:          8,
		ScoreTimeout:         10 * time.Second,
	}
}

// Validate checks all fields and returns every violation joined.
func (c Config) Validate() error {
	var errs []error

	if !validThreshold(c.MessageRiskThreshold) {
		errs = append(errs, fmt.Errorf("invalid message risk threshold %v (must be in (0,1])", c.MessageRiskThreshold))
	}
	if !validThreshold(c.ContactRiskThreshold) {
		errs = append(errs, fmt.Errorf("invalid contact risk threshold %v (must be in (0,1])", c.ContactRiskThreshold))
	}
	if c.AlertCooldown <= 0 {
		errs = append(errs, fmt.Errorf("invalid alert cooldown %v (must be positive)", c.AlertCooldown))
	}
	if c.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("invalid rolling window size %d (must be >= 1)", c.WindowSize))
	}
	if c.IntakeBatchSize < 1 {
		errs = append(errs, fmt.Errorf("invalid intake batch size %d (must be >= 1)", c.IntakeBatchSize))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("invalid concurrency %d (must be >= 1)", c.Concurrency))
	}
	if c.ScoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid score timeout %v (must be positive)", c.ScoreTimeout))
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validThreshold(v float64) bool {
	return !math.IsNaN(v) && v > 0 && v <= 1
}

// RiskPolicy derives a contact's risk from its rolling window.
// Decay 0 is a plain arithmetic mean. A Decay in (0,1) weights each
// older score by a further factor of (1 - Decay).
type RiskPolicy struct {
	Decay float64 `yaml:"decay"`
}

// Validate checks the decay factor.
func (p RiskPolicy) Validate() error {
	if math.IsNaN(p.Decay) || p.Decay < 0 || p.Decay >= 1 {
		return fmt.Errorf("invalid risk decay %v (must be in [0,1))", p.Decay)
	}
	return nil
}

// riskPrecision is the number of decimal places a derived risk keeps.
// Rounding removes summation drift so a window of equal scores yields
// exactly that score and compares equal to a threshold of the same value.
const riskPrecision = 1e12

// Risk computes the derived risk for a window ordered oldest first.
// An empty window yields 0.
func (p RiskPolicy) Risk(history []float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum, weights float64
	w := 1.0
	for i := len(history) - 1; i >= 0; i-- {
		sum += w * history[i]
		weights += w
		w *= 1 - p.Decay
	}
	return clamp01(math.Round(sum/weights*riskPrecision) / riskPrecision)
}

// AgeBand overrides thresholds for children up to and including MaxAge.
// A zero threshold inherits the base value.
type AgeBand struct {
	MaxAge           int     `yaml:"max_age"`
	MessageThreshold float64 `yaml:"message_threshold"`
	ContactThreshold float64 `yaml:"contact_threshold"`
}

// ThresholdPolicy selects alert thresholds per child. Bands are ordered by
// ascending MaxAge; the first band covering the child's age wins.
type ThresholdPolicy struct {
	AgeBands []AgeBand `yaml:"age_bands"`
}

// Validate checks band ordering and threshold ranges.
func (p ThresholdPolicy) Validate() error {
	var errs []error
	prev := 0
	for i, b := range p.AgeBands {
		if b.MaxAge <= prev {
			errs = append(errs, fmt.Errorf("age band %d: max_age %d must be greater than %d", i, b.MaxAge, prev))
		}
		prev = b.MaxAge
		if b.MessageThreshold != 0 && !validThreshold(b.MessageThreshold) {
			errs = append(errs, fmt.Errorf("age band %d: invalid message threshold %v", i, b.MessageThreshold))
		}
		if b.ContactThreshold != 0 && !validThreshold(b.ContactThreshold) {
			errs = append(errs, fmt.Errorf("age band %d: invalid contact threshold %v", i, b.ContactThreshold))
		}
	}
	return errors.Join(errs...)
}

func (p ThresholdPolicy) band(child *Child) (AgeBand, bool) {
	if child == nil || child.Age <= 0 {
		return AgeBand{}, false
	}
	for _, b := range p.AgeBands {
		if child.Age <= b.MaxAge {
			return b, true
		}
	}
	return AgeBand{}, false
}

// Message returns the message threshold for child, falling back to base.
func (p ThresholdPolicy) Message(base float64, child *Child) float64 {
	if b, ok := p.band(child); ok && b.MessageThreshold > 0 {
		return b.MessageThreshold
	}
	return base
}

// Contact returns the contact threshold for child, falling back to base.
func (p ThresholdPolicy) Contact(base float64, child *Child) float64 {
	if b, ok := p.band(child); ok && b.ContactThreshold > 0 {
		return b.ContactThreshold
	}
	return base
}

// minContact is the lowest contact threshold any child could get.
func (p ThresholdPolicy) minContact(base float64) float64 {
	lowest := base
	for _, b := range p.AgeBands {
		if b.ContactThreshold > 0 && b.ContactThreshold < lowest {
			lowest = b.ContactThreshold
		}
	}
	return lowest
}
