package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"
)

// commitTimeout bounds the detached record-and-alert step of one message.
const commitTimeout = 30 * time.Second

// Intake scores unprocessed messages, feeds the aggregator and raises
// message alerts. Messages of one contact are handled sequentially in
// timestamp order; different contacts run concurrently.
type Intake struct {
	store   Store
	scorer  Scorer
	agg     *Aggregator
	alerts  *AlertManager
	cfg     Config
	logger  log.Logger
	metrics *Metrics
}

// NewIntake creates an intake processor.
func NewIntake(store Store, scorer Scorer, agg *Aggregator, alerts *AlertManager, cfg Config, logger log.Logger, metrics *Metrics) *Intake {
	if logger == nil {
		logger = log.Nop()
	}
	return &Intake{
		store:   store,
		scorer:  scorer,
		agg:     agg,
		alerts:  alerts,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// ProcessBatch handles up to limit unprocessed messages, oldest first.
// limit <= 0 uses the configured batch size. A store failure aborts the
// sweep; scorer failures only skip the message so a later sweep retries it.
func (in *Intake) ProcessBatch(ctx context.Context, limit int) (IntakeStats, error) {
	if limit <= 0 {
		limit = in.cfg.IntakeBatchSize
	}

	msgs, err := in.store.UnprocessedMessages(ctx, limit)
	if err != nil {
		return IntakeStats{}, fmt.Errorf("load unprocessed messages: %w", err)
	}
	if len(msgs) == 0 {
		return IntakeStats{}, nil
	}

	children := newChildCache(in.store, in.cfg.Thresholds)

	var (
		mu      sync.Mutex
		stats   IntakeStats
		stopped bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.Concurrency)

	for _, group := range groupByContact(msgs) {
		if gctx.Err() != nil {
			stopped = true
			break
		}
		g.Go(func() error {
			var local IntakeStats
			err := in.processGroup(gctx, group, children, &local)

			mu.Lock()
			stats.add(local)
			mu.Unlock()
			return err
		})
	}

	err = g.Wait()
	if err == nil && stopped {
		err = ctx.Err()
	}
	return stats, err
}

func (in *Intake) processGroup(ctx context.Context, msgs []*Message, children *childCache, stats *IntakeStats) error {
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := in.processMessage(ctx, m, children, stats); err != nil {
			return err
		}
	}
	return nil
}

func (in *Intake) processMessage(ctx context.Context, m *Message, children *childCache, stats *IntakeStats) error {
	res := in.score(ctx, m)
	if res.Outcome == OutcomeTransient {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Skipped++
		in.metrics.observeMessage("skipped")
		in.logger.Warn(ctx, "message scoring failed, left for retry",
			"message_id", m.ID,
			"contact_id", m.ContactID,
			"reason", res.Reason,
		)
		return nil
	}

	// Recording the score and raising its alert form one unit. Cancellation
	// is only honoured between messages, so a processed message above the
	// threshold always has its alert attempt.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	return in.commit(uctx, m, res.Score, children, stats)
}

func (in *Intake) commit(ctx context.Context, m *Message, score float64, children *childCache, stats *IntakeStats) error {
	if _, err := in.agg.Record(ctx, m, score); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			stats.Duplicates++
			in.metrics.observeMessage("duplicate")
			return nil
		}
		in.metrics.observeMessage("error")
		return fmt.Errorf("record score for message %s: %w", m.ID, err)
	}
	stats.Processed++
	in.metrics.observeMessage("processed")

	child, err := children.get(ctx, m.ChildID)
	if err != nil {
		return fmt.Errorf("load child %s: %w", m.ChildID, err)
	}
	threshold := in.cfg.Thresholds.Message(in.cfg.MessageRiskThreshold, child)
	if score < threshold {
		return nil
	}

	cr, err := in.alerts.Create(ctx, NewAlert{
		Type:      AlertHighRiskMessage,
		ChildID:   m.ChildID,
		ContactID: m.ContactID,
		MessageID: m.ID,
		Score:     score,
		Details:   fmt.Sprintf("message from %s on %s scored %.2f (threshold %.2f)", m.Sender, m.Platform, score, threshold),
	})
	if err != nil {
		// the score is committed; the contact sweep still covers this contact
		return fmt.Errorf("message alert for %s: %w", m.ID, err)
	}
	if cr.Created() {
		stats.AlertsCreated++
	} else {
		stats.AlertsSuppressed++
	}
	return nil
}

// score calls the scorer under the configured timeout and validates the result.
func (in *Intake) score(ctx context.Context, m *Message) ScoreResult {
	sctx, cancel := context.WithTimeout(ctx, in.cfg.ScoreTimeout)
	defer cancel()

	start := time.Now()
	s, err := in.scorer.Score(sctx, m.Content)
	in.metrics.observeScore(time.Since(start))

	if err == nil {
		err = CheckScore(s)
	}
	if err != nil {
		return ScoreResult{MessageID: m.ID, Outcome: OutcomeTransient, Reason: err.Error()}
	}
	return ScoreResult{MessageID: m.ID, Score: s, Outcome: OutcomeOK}
}

// groupByContact splits msgs by contact, keeping the input order within
// each group and ordering groups by first appearance.
func groupByContact(msgs []*Message) [][]*Message {
	idx := make(map[string]int)
	var groups [][]*Message
	for _, m := range msgs {
		i, ok := idx[m.ContactID]
		if !ok {
			i = len(groups)
			idx[m.ContactID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

func (s *IntakeStats) add(o IntakeStats) {
	s.Processed += o.Processed
	s.Skipped += o.Skipped
	s.Duplicates += o.Duplicates
	s.AlertsCreated += o.AlertsCreated
	s.AlertsSuppressed += o.AlertsSuppressed
}
