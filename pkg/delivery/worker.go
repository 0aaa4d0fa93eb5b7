package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/failpoint"
	"github.com/Mindburn-Labs/settld/pkg/observability"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxAttempts = 5
	maxErrorBody       = 512
)

// BlobReader reads artifact bodies from content-addressed storage.
type BlobReader interface {
	Get(ctx context.Context, address string) ([]byte, error)
}

// Worker handles DELIVERY_REQUESTED messages.
type Worker struct {
	store       store.Store
	blobs       BlobReader
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	clock       func() time.Time
	obs         *observability.Provider
	logger      *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithHTTPClient(c *http.Client) Option { return func(w *Worker) { w.client = c } }

func WithTimeout(d time.Duration) Option { return func(w *Worker) { w.timeout = d } }

// WithMaxAttempts bounds HTTP attempts per delivery before it is failed.
func WithMaxAttempts(n int) Option { return func(w *Worker) { w.maxAttempts = n } }

func WithClock(clock func() time.Time) Option { return func(w *Worker) { w.clock = clock } }

func WithObservability(p *observability.Provider) Option { return func(w *Worker) { w.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

func NewWorker(s store.Store, blobs BlobReader, opts ...Option) *Worker {
	w := &Worker{
		store:       s,
		blobs:       blobs,
		client:      &http.Client{},
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		clock:       time.Now,
		obs:         observability.Noop(),
		logger:      slog.Default().With("component", "delivery"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	return w
}

// attempt is the state captured by the pre-send transaction.
type attempt struct {
	delivery    contracts.Delivery
	destination contracts.Destination
	done        bool
}

// Handle sends the artifact once. The attempt counter is committed before
// the POST, so a crash after the POST resends on restart with the same
// dedupe key. The returned commit marks the delivery delivered in the same
// transaction that completes the outbox message.
func (w *Worker) Handle(ctx context.Context, msg contracts.OutboxMessage) (outbox.Commit, error) {
	var req Request
	if err := outbox.Decode(msg, &req); err != nil {
		return nil, err
	}
	key := DedupeKey(req.DestinationID, req.ArtifactID)

	at, err := w.begin(ctx, req, key)
	if err != nil {
		return nil, err
	}
	if at.done {
		return nil, nil
	}

	body, err := w.blobs.Get(ctx, req.BlobAddress)
	if err != nil {
		return w.fail(ctx, at.delivery, 0, fmt.Errorf("load artifact %s: %w", req.ArtifactID, err))
	}

	status, sendErr := w.post(ctx, at.destination, req, key, body)
	if err := failpoint.Inject(failpoint.DeliveryAfterPost); err != nil {
		return nil, err
	}

	if sendErr == nil {
		w.obs.DeliveryAttempt(ctx, contracts.DeliveryDelivered, status)
		d := at.delivery
		d.State = contracts.DeliveryDelivered
		d.LastStatus = status
		d.LastError = ""
		d.UpdatedAt = w.clock().UTC()
		w.logger.InfoContext(ctx, "artifact delivered",
			"dedupe_key", key, "destination", req.DestinationID, "artifact", req.ArtifactID, "status", status)
		return func(ctx context.Context, tx store.Tx) error {
			return tx.UpdateDelivery(ctx, d)
		}, nil
	}

	return w.fail(ctx, at.delivery, status, sendErr)
}

// begin ensures the delivery row exists and counts the attempt.
func (w *Worker) begin(ctx context.Context, req Request, key string) (attempt, error) {
	var at attempt
	err := w.store.Update(ctx, func(tx store.Tx) error {
		now := w.clock().UTC()
		_, err := tx.InsertDelivery(ctx, contracts.Delivery{
			DedupeKey:     key,
			TenantID:      req.TenantID,
			DestinationID: req.DestinationID,
			ArtifactID:    req.ArtifactID,
			ArtifactType:  req.ArtifactType,
			State:         contracts.DeliveryPending,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		d, err := tx.Delivery(ctx, key)
		if err != nil {
			return err
		}
		if d.State == contracts.DeliveryDelivered || d.State == contracts.DeliveryFailed {
			at.done = true
			return nil
		}
		dest, err := tx.Destination(ctx, req.TenantID, req.DestinationID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !dest.Active) {
			d.State = contracts.DeliveryFailed
			d.LastError = "destination inactive or removed"
			d.UpdatedAt = now
			at.done = true
			return tx.UpdateDelivery(ctx, d)
		}
		if err != nil {
			return err
		}
		d.Attempts++
		d.State = contracts.DeliverySent
		d.UpdatedAt = now
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		at.delivery = d
		at.destination = dest
		return nil
	})
	return at, err
}

func (w *Worker) post(ctx context.Context, dest contracts.Destination, req Request, key string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderDedupeKey, key)
	httpReq.Header.Set(HeaderArtifactType, req.ArtifactType)
	httpReq.Header.Set(HeaderArtifactID, req.ArtifactID)
	if dest.Secret != "" {
		httpReq.Header.Set(HeaderSignature, Sign(dest.Secret, body))
	}
	res, err := w.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return res.StatusCode, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode, nil
}

// fail records a failed attempt. Below the attempt limit the error goes back
// to the outbox for backoff; at the limit the delivery is failed and the
// message completes.
func (w *Worker) fail(ctx context.Context, d contracts.Delivery, status int, sendErr error) (outbox.Commit, error) {
	d.LastStatus = status
	d.LastError = sendErr.Error()
	d.UpdatedAt = w.clock().UTC()

	if d.Attempts >= w.maxAttempts {
		w.obs.DeliveryAttempt(ctx, contracts.DeliveryFailed, status)
		d.State = contracts.DeliveryFailed
		w.logger.ErrorContext(ctx, "delivery failed permanently",
			"dedupe_key", d.DedupeKey, "destination", d.DestinationID, "attempts", d.Attempts, "error", sendErr)
		return func(ctx context.Context, tx store.Tx) error {
			return tx.UpdateDelivery(ctx, d)
		}, nil
	}

	w.obs.DeliveryAttempt(ctx, "retry", status)
	if err := w.store.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateDelivery(ctx, d)
	}); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("delivery %s attempt %d: %w", d.DedupeKey, d.Attempts, sendErr)
}

// RegisterDestination validates and stores a destination.
func RegisterDestination(ctx context.Context, tx store.DeliveryTx, d contracts.Destination) error {
	if d.DestinationID == "" || d.TenantID == "" {
		return errs.Validation("destinationId and tenantId are required")
	}
	if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
		return errs.Validation("destination url must be http(s): %q", d.URL)
	}
	return tx.PutDestination(ctx, d)
}
