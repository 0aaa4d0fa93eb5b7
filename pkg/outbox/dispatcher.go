package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/failpoint"
	"github.com/Mindburn-Labs/settld/pkg/observability"
	"github.com/Mindburn-Labs/settld/pkg/retry"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

const (
	defaultBatch    = 100
	maxLastErrorLen = 2000
)

var errNotPending = errors.New("outbox: message no longer pending")

// DrainOptions bounds one drain. Each pass handles at most MaxMessages due
// messages; a pass that finds nothing ends the drain early.
type DrainOptions struct {
	MaxMessages int `json:"maxMessages"`
	Passes      int `json:"passes"`
}

// DrainResult counts what a drain did.
type DrainResult struct {
	Passes    int `json:"passes"`
	Processed int `json:"processed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy sets backoff and the attempt limit.
func WithRetryPolicy(p retry.Policy) Option { return func(d *Dispatcher) { d.retry = p } }

// WithBatchSize sets the default MaxMessages of a pass.
func WithBatchSize(n int) Option { return func(d *Dispatcher) { d.batch = n } }

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option { return func(d *Dispatcher) { d.clock = clock } }

// WithObservability records spans and counters on p.
func WithObservability(p *observability.Provider) Option { return func(d *Dispatcher) { d.obs = p } }

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// Dispatcher drains the outbox through registered handlers.
type Dispatcher struct {
	store    store.Store
	retry    retry.Policy
	batch    int
	clock    func() time.Time
	obs      *observability.Provider
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
	drainMu  sync.Mutex
}

// NewDispatcher creates a dispatcher over s.
func NewDispatcher(s store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		retry:    retry.DefaultPolicy,
		batch:    defaultBatch,
		clock:    time.Now,
		logger:   slog.Default().With("component", "outbox"),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.obs == nil {
		d.obs = observability.Noop()
	}
	return d
}

// Register binds h to topic, replacing any previous handler.
func (d *Dispatcher) Register(topic string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = h
}

func (d *Dispatcher) handler(topic string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[topic]
	return h, ok
}

// Drain processes due messages in insertion order. Drains of one dispatcher
// are serialized; other processes may drain concurrently, which the per-row
// claim and idempotent handlers make safe. A failpoint kill aborts the drain
// with failpoint.ErrKilled and nothing further is written.
func (d *Dispatcher) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	if opts.MaxMessages <= 0 {
		opts.MaxMessages = d.batch
	}
	if opts.Passes <= 0 {
		opts.Passes = 1
	}

	ctx, done := d.obs.TrackOperation(ctx, "outbox.drain",
		attribute.Int("max_messages", opts.MaxMessages), attribute.Int("passes", opts.Passes))
	var res DrainResult
	err := d.drain(ctx, opts, &res)
	done(err)
	return res, err
}

func (d *Dispatcher) drain(ctx context.Context, opts DrainOptions, res *DrainResult) error {
	for pass := 0; pass < opts.Passes; pass++ {
		var due []contracts.OutboxMessage
		err := d.store.View(ctx, func(tx store.Tx) error {
			var err error
			due, err = tx.DueOutbox(ctx, d.clock().UTC(), opts.MaxMessages)
			return err
		})
		if err != nil {
			return fmt.Errorf("list due outbox messages: %w", err)
		}
		if len(due) == 0 {
			break
		}
		res.Passes++

		for _, msg := range due {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome, err := d.process(ctx, msg)
			if err != nil {
				return err
			}
			switch outcome {
			case contracts.OutboxProcessed:
				res.Processed++
			case contracts.OutboxFailed:
				res.Failed++
			case outcomeRetry:
				res.Retried++
			default:
				res.Skipped++
			}
			d.obs.OutboxMessage(ctx, msg.Topic, outcome)
		}
	}
	return nil
}

const (
	outcomeRetry   = "retry"
	outcomeSkipped = "skipped"
)

// process runs one message. The returned error is non-nil only when the drain
// must stop (failpoint kill or store failure while recording the outcome).
func (d *Dispatcher) process(ctx context.Context, msg contracts.OutboxMessage) (string, error) {
	ctx, done := d.obs.TrackOperation(ctx, "outbox.handle",
		attribute.String("topic", msg.Topic), attribute.String("message_id", msg.ID))

	h, ok := d.handler(msg.Topic)
	if !ok {
		outcome, err := d.recordFailure(ctx, msg, Permanent(fmt.Errorf("no handler for topic %s", msg.Topic)))
		done(err)
		return outcome, err
	}

	commit, herr := h.Handle(ctx, msg)
	if herr != nil {
		if failpoint.IsKilled(herr) {
			done(herr)
			return "", herr
		}
		d.logger.WarnContext(ctx, "outbox handler failed",
			"id", msg.ID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", herr)
		outcome, err := d.recordFailure(ctx, msg, herr)
		done(herr)
		return outcome, err
	}

	err := d.store.Update(ctx, func(tx store.Tx) error {
		_, pending, err := tx.ClaimOutbox(ctx, msg.ID)
		if err != nil {
			return err
		}
		if !pending {
			return errNotPending
		}
		if commit != nil {
			if err := commit(ctx, tx); err != nil {
				return err
			}
		}
		if err := failpoint.Inject(failpoint.OutboxAfterHandlerCommit); err != nil {
			return err
		}
		return tx.MarkOutboxProcessed(ctx, msg.ID, d.clock().UTC())
	})
	switch {
	case err == nil:
		done(nil)
		return contracts.OutboxProcessed, nil
	case errors.Is(err, errNotPending):
		done(nil)
		return outcomeSkipped, nil
	case failpoint.IsKilled(err):
		done(err)
		return "", err
	default:
		d.logger.WarnContext(ctx, "outbox commit failed",
			"id", msg.ID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", err)
		outcome, rerr := d.recordFailure(ctx, msg, err)
		done(err)
		return outcome, rerr
	}
}

// recordFailure bumps attempts and schedules the retry, or fails the message
// for good once attempts are exhausted or the error is permanent.
func (d *Dispatcher) recordFailure(ctx context.Context, msg contracts.OutboxMessage, cause error) (string, error) {
	outcome := outcomeRetry
	err := d.store.Update(ctx, func(tx store.Tx) error {
		cur, pending, err := tx.ClaimOutbox(ctx, msg.ID)
		if err != nil {
			return err
		}
		if !pending {
			outcome = outcomeSkipped
			return nil
		}
		attempts := cur.Attempts + 1
		now := d.clock().UTC()
		lastErr := cause.Error()
		if len(lastErr) > maxLastErrorLen {
			lastErr = lastErr[:maxLastErrorLen]
		}
		if IsPermanent(cause) || d.retry.Exhausted(attempts) {
			outcome = contracts.OutboxFailed
			d.logger.ErrorContext(ctx, "outbox message failed permanently",
				"id", msg.ID, "topic", msg.Topic, "attempts", attempts, "error", lastErr)
			return tx.RecordOutboxFailure(ctx, msg.ID, attempts, lastErr, nil, &now)
		}
		next := now.Add(retry.Backoff(msg.ID, attempts-1, d.retry))
		return tx.RecordOutboxFailure(ctx, msg.ID, attempts, lastErr, &next, nil)
	})
	if err != nil {
		return "", fmt.Errorf("record outbox failure for %s: %w", msg.ID, err)
	}
	return outcome, nil
}

// Run drains every tick until ctx is cancelled. Handler failures are
// recorded on the messages; only a failpoint kill stops the loop early.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		res, err := d.Drain(ctx, DrainOptions{})
		switch {
		case failpoint.IsKilled(err):
			return err
		case err != nil && ctx.Err() == nil:
			d.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
		case res.Processed+res.Failed+res.Retried > 0:
			d.logger.DebugContext(ctx, "outbox drained",
				"processed", res.Processed, "retried", res.Retried, "failed", res.Failed)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
