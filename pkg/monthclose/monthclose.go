// Package monthclose closes a tenant's books for one calendar month in two
// outbox-driven phases. Phase one writes one CLOSED statement per party and
// queues phase two, which generates payout instructions. Each phase commits on
// its own, so a crash between them resumes at phase two.
package monthclose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/artifacts"
	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/failpoint"
	"github.com/Mindburn-Labs/settld/pkg/ledger"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

const periodLayout = "2006-01"

// ParsePeriod returns the [from, to) bounds of a "YYYY-MM" period in UTC.
func ParsePeriod(period string) (time.Time, time.Time, error) {
	from, err := time.Parse(periodLayout, period)
	if err != nil || from.Format(periodLayout) != period {
		return time.Time{}, time.Time{}, errs.Validation("period must be YYYY-MM, got %q", period)
	}
	return from, from.AddDate(0, 1, 0), nil
}

// RequestMessageID is the outbox id of the phase one message.
func RequestMessageID(tenantID, period string) string {
	return "monthclose:" + tenantID + ":" + period
}

// PayoutsMessageID is the outbox id of the phase two message.
func PayoutsMessageID(tenantID, period string) string {
	return RequestMessageID(tenantID, period) + ":payouts"
}

type payload struct {
	TenantID string `json:"tenantId"`
	Period   string `json:"period"`
}

// Request records the close and queues phase one. A repeated request returns
// the existing record with created=false.
func Request(ctx context.Context, tx store.Tx, tenantID, period string, now time.Time) (contracts.MonthClose, bool, error) {
	if tenantID == "" {
		return contracts.MonthClose{}, false, errs.Validation("tenantId is required")
	}
	from, _, err := ParsePeriod(period)
	if err != nil {
		return contracts.MonthClose{}, false, err
	}
	if from.After(now) {
		return contracts.MonthClose{}, false, errs.Validation("period %s has not started", period)
	}
	now = now.UTC()
	mc := contracts.MonthClose{
		TenantID:    tenantID,
		Period:      period,
		Status:      contracts.MonthCloseRequested,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	created, err := tx.InsertMonthClose(ctx, mc)
	if err != nil {
		return mc, false, fmt.Errorf("insert month close: %w", err)
	}
	if !created {
		existing, err := tx.MonthClose(ctx, tenantID, period)
		return existing, false, err
	}
	_, err = outbox.Enqueue(ctx, tx, outbox.Message{
		ID:       RequestMessageID(tenantID, period),
		TenantID: tenantID,
		Topic:    contracts.TopicMonthCloseRequested,
		Payload:  payload{TenantID: tenantID, Period: period},
	}, now)
	if err != nil {
		return mc, false, err
	}
	return mc, true, nil
}

// Status is a month close with its statements.
type Status struct {
	contracts.MonthClose
	Statements []contracts.PartyStatement `json:"statements"`
}

// Get returns the close record and statements of a period.
func Get(ctx context.Context, tx store.MonthCloseTx, tenantID, period string) (Status, error) {
	if _, _, err := ParsePeriod(period); err != nil {
		return Status{}, err
	}
	mc, err := tx.MonthClose(ctx, tenantID, period)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, errs.NotFound("no month close for %s", period)
	}
	if err != nil {
		return Status{}, err
	}
	stmts, err := tx.ListPartyStatements(ctx, tenantID, period)
	if err != nil {
		return Status{}, err
	}
	return Status{MonthClose: mc, Statements: stmts}, nil
}

// BuildStatements aggregates postings per party. Accounts without a party
// (escrow, external funding) are skipped. Statements are ordered by party.
func BuildStatements(tenantID, period string, rows []contracts.PostingRow, at time.Time) ([]contracts.PartyStatement, error) {
	byParty := map[string]*contracts.PartyStatement{}
	for _, sum := range ledger.Summarize(rows) {
		party := ledger.PartyOf(sum.AccountID)
		if party == "" {
			continue
		}
		st, ok := byParty[party]
		if !ok {
			st = &contracts.PartyStatement{
				TenantID:  tenantID,
				PartyID:   party,
				Period:    period,
				Status:    contracts.StatementClosed,
				AccountID: sum.AccountID,
				ClosedAt:  at.UTC(),
			}
			byParty[party] = st
		}
		st.CreditsCents += sum.CreditsCents
		st.DebitsCents += sum.DebitsCents
		st.NetCents += sum.NetCents
		st.PostingCount += sum.PostingCount
	}
	out := make([]contracts.PartyStatement, 0, len(byParty))
	for _, st := range byParty {
		h, err := canonicalize.CanonicalHash(map[string]any{
			"schemaVersion": contracts.ArtifactPartyStatement,
			"tenantId":      st.TenantID,
			"partyId":       st.PartyID,
			"period":        st.Period,
			"accountId":     st.AccountID,
			"creditsCents":  st.CreditsCents,
			"debitsCents":   st.DebitsCents,
			"netCents":      st.NetCents,
			"postingCount":  st.PostingCount,
		})
		if err != nil {
			return nil, err
		}
		st.StatementHash = h
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out, nil
}

// Closer handles both month close topics.
type Closer struct {
	store     store.Store
	generator *artifacts.Generator
	clock     func() time.Time
	logger    *slog.Logger
}

type Option func(*Closer)

func WithClock(clock func() time.Time) Option {
	return func(c *Closer) { c.clock = clock }
}

func NewCloser(s store.Store, generator *artifacts.Generator, opts ...Option) *Closer {
	c := &Closer{
		store:     s,
		generator: generator,
		clock:     time.Now,
		logger:    slog.Default().With("component", "monthclose"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds the phase handlers to their topics.
func (c *Closer) Register(d *outbox.Dispatcher) {
	d.Register(contracts.TopicMonthCloseRequested, outbox.HandlerFunc(c.HandleStatements))
	d.Register(contracts.TopicMonthClosePayouts, outbox.HandlerFunc(c.HandlePayouts))
}

func decode(msg contracts.OutboxMessage) (payload, time.Time, time.Time, error) {
	var p payload
	if err := outbox.Decode(msg, &p); err != nil {
		return p, time.Time{}, time.Time{}, err
	}
	if p.TenantID != msg.TenantID {
		return p, time.Time{}, time.Time{}, outbox.Permanent(fmt.Errorf("payload tenant %q does not match message tenant %q", p.TenantID, msg.TenantID))
	}
	from, to, err := ParsePeriod(p.Period)
	if err != nil {
		return p, from, to, outbox.Permanent(err)
	}
	return p, from, to, nil
}

// HandleStatements is phase one. Statement inserts ignore existing rows, so
// a replay after a crash converges on the same statements.
func (c *Closer) HandleStatements(_ context.Context, msg contracts.OutboxMessage) (outbox.Commit, error) {
	p, from, to, err := decode(msg)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, tx store.Tx) error {
		mc, err := tx.MonthClose(ctx, p.TenantID, p.Period)
		if err != nil {
			return fmt.Errorf("load month close: %w", err)
		}
		if mc.Status != contracts.MonthCloseRequested {
			return nil
		}
		rows, err := tx.PostingsBetween(ctx, p.TenantID, from, to)
		if err != nil {
			return fmt.Errorf("load postings: %w", err)
		}
		now := c.clock().UTC()
		stmts, err := BuildStatements(p.TenantID, p.Period, rows, now)
		if err != nil {
			return err
		}
		for _, st := range stmts {
			if _, err := tx.InsertPartyStatement(ctx, st); err != nil {
				return fmt.Errorf("insert statement %s: %w", st.PartyID, err)
			}
		}
		if _, err := outbox.Enqueue(ctx, tx, outbox.Message{
			ID:       PayoutsMessageID(p.TenantID, p.Period),
			TenantID: p.TenantID,
			Topic:    contracts.TopicMonthClosePayouts,
			Payload:  p,
		}, now); err != nil {
			return err
		}
		mc.Status = contracts.MonthCloseStatementsClosed
		mc.StatementCount = len(stmts)
		mc.UpdatedAt = now
		if err := tx.UpdateMonthClose(ctx, mc); err != nil {
			return fmt.Errorf("update month close: %w", err)
		}
		c.logger.InfoContext(ctx, "month close statements closed",
			"tenant", p.TenantID, "period", p.Period, "statements", len(stmts), "postings", len(rows))
		return nil
	}, nil
}

// PayoutJob is the payout instruction artifact of one statement, or false
// when the party is owed nothing. Only agents are paid out.
func PayoutJob(st contracts.PartyStatement) (artifacts.Job, bool) {
	if st.NetCents <= 0 || !strings.HasPrefix(st.PartyID, "agent:") {
		return artifacts.Job{}, false
	}
	return artifacts.Job{
		TenantID:     st.TenantID,
		ArtifactType: contracts.ArtifactPayoutInstruction,
		JobID:        "payout:" + st.PartyID + ":" + st.Period,
		Document: map[string]any{
			"schemaVersion": contracts.ArtifactPayoutInstruction,
			"tenantId":      st.TenantID,
			"period":        st.Period,
			"partyId":       st.PartyID,
			"accountId":     st.AccountID,
			"amountCents":   st.NetCents,
			"statementHash": st.StatementHash,
		},
	}, true
}

// HandlePayouts is phase two. Payout artifacts are content addressed, so a
// replay persists nothing new.
func (c *Closer) HandlePayouts(ctx context.Context, msg contracts.OutboxMessage) (outbox.Commit, error) {
	if err := failpoint.Inject(failpoint.MonthCloseBetweenPhases); err != nil {
		return nil, err
	}
	p, _, _, err := decode(msg)
	if err != nil {
		return nil, err
	}
	var stmts []contracts.PartyStatement
	if err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		stmts, err = tx.ListPartyStatements(ctx, p.TenantID, p.Period)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load statements: %w", err)
	}

	var prepared []contracts.Artifact
	for _, st := range stmts {
		job, ok := PayoutJob(st)
		if !ok {
			continue
		}
		a, err := c.generator.Prepare(ctx, job)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, a)
	}

	return func(ctx context.Context, tx store.Tx) error {
		mc, err := tx.MonthClose(ctx, p.TenantID, p.Period)
		if err != nil {
			return fmt.Errorf("load month close: %w", err)
		}
		if mc.Status == contracts.MonthCloseClosed {
			return nil
		}
		for _, a := range prepared {
			if _, err := c.generator.Persist(ctx, tx, a); err != nil {
				return err
			}
		}
		now := c.clock().UTC()
		mc.Status = contracts.MonthCloseClosed
		mc.PayoutCount = len(prepared)
		mc.UpdatedAt = now
		mc.ClosedAt = &now
		if err := tx.UpdateMonthClose(ctx, mc); err != nil {
			return fmt.Errorf("update month close: %w", err)
		}
		c.logger.InfoContext(ctx, "month close completed",
			"tenant", p.TenantID, "period", p.Period, "payouts", len(prepared))
		return nil
	}, nil
}
