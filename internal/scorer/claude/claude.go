// Package claude scores messages by asking a Claude model for a single
// risk probability.
package claude

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-haiku-4-5"

const systemPrompt = `You assess messages sent to a child for grooming or exploitation risk.
Reply with a single number between 0 and 1: the probability the message is part of a grooming attempt.
Reply with the number only.`

// Options configures the scorer.
type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
}

// Scorer implements monitor.Scorer on the Messages API.
type Scorer struct {
	client anthropic.Client
	model  anthropic.Model
}

var _ monitor.Scorer = (*Scorer)(nil)

// New builds a scorer. A zero MaxRetries keeps the SDK default.
func New(opts Options) *Scorer {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries > 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(opts.MaxRetries))
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Scorer{
		client: anthropic.NewClient(reqOpts...),
		model:  anthropic.Model(model),
	}
}

// Score implements monitor.Scorer.
func (s *Scorer) Score(ctx context.Context, text string) (float64, error) {
	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 16,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("claude messages: %w", err)
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	return parseScore(reply.String())
}

var numberRe = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)

// parseScore takes the first number in reply and checks it is a probability.
func parseScore(reply string) (float64, error) {
	m := numberRe.FindString(reply)
	if m == "" {
		return 0, fmt.Errorf("no score in model reply %q", reply)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", m, err)
	}
	if err := monitor.CheckScore(v); err != nil {
		return 0, err
	}
	return v, nil
}
