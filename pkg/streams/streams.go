// Package streams exposes the raw event streams callers append to directly:
// run annotations and collaboration sessions. Unlike lifecycle transitions,
// every append here requires the caller's expected previous chain hash.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
	"github.com/Mindburn-Labs/settld/pkg/errs"
	"github.com/Mindburn-Labs/settld/pkg/eventchain"
	"github.com/Mindburn-Labs/settld/pkg/settlement"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// runAppendable lists the run event types callers may append. Settlement
// events are written only by the settlement service.
var runAppendable = map[string]bool{
	eventchain.TypeRunEvidenceAdded: true,
	eventchain.TypeRunNote:          true,
}

// Service appends to and verifies raw streams.
type Service struct {
	appender *eventchain.Appender
	keys     crypto.KeyResolver
}

func NewService(appender *eventchain.Appender, keys crypto.KeyResolver) *Service {
	return &Service{appender: appender, keys: keys}
}

func requirePrecondition(expectedPrev *string) error {
	if expectedPrev == nil {
		return errs.New(errs.KindPrecondition, errs.CodePreconditionRequired,
			"x-proxy-expected-prev-chain-hash is required")
	}
	return nil
}

// AppendRunEvent appends a caller event to a run stream.
func (s *Service) AppendRunEvent(ctx context.Context, tx store.EventTx, tenantID, runID, eventType string, payload map[string]any, actor contracts.Actor, expectedPrev *string) (contracts.Event, error) {
	if err := requirePrecondition(expectedPrev); err != nil {
		return contracts.Event{}, err
	}
	if strings.TrimSpace(runID) == "" {
		return contracts.Event{}, errs.Validation("runId is required")
	}
	if !runAppendable[eventType] {
		return contracts.Event{}, errs.New(errs.KindValidation, errs.CodeSchemaInvalid,
			"event type %q cannot be appended to a run", eventType)
	}
	return s.appender.Append(ctx, tx, eventchain.AppendRequest{
		TenantID:     tenantID,
		StreamID:     eventchain.RunStream(runID),
		ExpectedPrev: expectedPrev,
		Type:         eventType,
		Actor:        actor,
		Payload:      payload,
	})
}

// Session is the materialized view of a session stream.
type Session struct {
	SessionID     string   `json:"sessionId"`
	Participants  []string `json:"participants"`
	MessageCount  int      `json:"messageCount"`
	HeadChainHash string   `json:"headChainHash"`
}

// CreateSession starts a session stream. The stream must not exist.
func (s *Service) CreateSession(ctx context.Context, tx store.EventTx, tenantID, sessionID string, participants []string, actor contracts.Actor) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, errs.Validation("sessionId is required")
	}
	seen := map[string]bool{}
	uniq := make([]string, 0, len(participants))
	for _, p := range participants {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)
	genesis := ""
	ev, err := s.appender.Append(ctx, tx, eventchain.AppendRequest{
		TenantID:     tenantID,
		StreamID:     eventchain.SessionStream(sessionID),
		ExpectedPrev: &genesis,
		Type:         eventchain.TypeSessionCreated,
		Actor:        actor,
		Payload:      map[string]any{"sessionId": sessionID, "participants": uniq},
	})
	if err != nil {
		if errs.HasCode(err, errs.CodeEventChainConflict) {
			return Session{}, errs.Conflict(errs.CodeTransitionIllegal, "session %q already exists", sessionID)
		}
		return Session{}, err
	}
	return Session{SessionID: sessionID, Participants: uniq, HeadChainHash: ev.ChainHash}, nil
}

// AppendSessionMessage appends a message. Only participants may post.
func (s *Service) AppendSessionMessage(ctx context.Context, tx store.EventTx, tenantID, sessionID, text, inReplyTo string, actor contracts.Actor, expectedPrev *string) (contracts.Event, error) {
	if err := requirePrecondition(expectedPrev); err != nil {
		return contracts.Event{}, err
	}
	sess, err := s.Session(ctx, tx, tenantID, sessionID)
	if err != nil {
		return contracts.Event{}, err
	}
	member := false
	for _, p := range sess.Participants {
		if p == actor.ID {
			member = true
			break
		}
	}
	if !member {
		return contracts.Event{}, errs.New(errs.KindUnauthorized, errs.CodeUnauthorized,
			"%q is not a participant of session %q", actor.ID, sessionID)
	}
	payload := map[string]any{"text": text}
	if inReplyTo != "" {
		payload["inReplyTo"] = inReplyTo
	}
	return s.appender.Append(ctx, tx, eventchain.AppendRequest{
		TenantID:     tenantID,
		StreamID:     eventchain.SessionStream(sessionID),
		ExpectedPrev: expectedPrev,
		Type:         eventchain.TypeSessionMessage,
		Actor:        actor,
		Payload:      payload,
	})
}

// Session folds a session stream into its current view.
func (s *Service) Session(ctx context.Context, tx store.EventTx, tenantID, sessionID string) (Session, error) {
	evs, err := tx.ListEvents(ctx, tenantID, eventchain.SessionStream(sessionID))
	if err != nil {
		return Session{}, err
	}
	if len(evs) == 0 || evs[0].Type != eventchain.TypeSessionCreated {
		return Session{}, errs.NotFound("session %q not found", sessionID)
	}
	var created struct {
		Participants []string `json:"participants"`
	}
	if err := json.Unmarshal(evs[0].Payload, &created); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return Session{
		SessionID:     sessionID,
		Participants:  created.Participants,
		MessageCount:  len(evs) - 1,
		HeadChainHash: evs[len(evs)-1].ChainHash,
	}, nil
}

// Events lists a stream in append order.
func (s *Service) Events(ctx context.Context, tx store.EventTx, tenantID, streamID string) ([]contracts.Event, error) {
	return tx.ListEvents(ctx, tenantID, streamID)
}

// Verify recomputes every hash and signature of a stream.
func (s *Service) Verify(ctx context.Context, tx store.EventTx, tenantID, streamID string) (eventchain.Report, error) {
	evs, err := tx.ListEvents(ctx, tenantID, streamID)
	if err != nil {
		return eventchain.Report{}, err
	}
	if len(evs) == 0 {
		return eventchain.Report{}, errs.NotFound("stream %q has no events", streamID)
	}
	return eventchain.Verify(streamID, evs, s.keys), nil
}

// Verification is the run verification view: the stream report plus the
// settlement decision chain check.
type Verification struct {
	Run       eventchain.Report `json:"run"`
	Decisions *DecisionReport   `json:"decisions,omitempty"`
}

// DecisionReport summarizes the decision record chain of a settlement.
type DecisionReport struct {
	Count int    `json:"count"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// VerifyRun checks the run stream and, when the run has a settlement, its
// decision record chain.
func (s *Service) VerifyRun(ctx context.Context, tx store.Tx, tenantID, runID string) (Verification, error) {
	rep, err := s.Verify(ctx, tx, tenantID, eventchain.RunStream(runID))
	if err != nil {
		return Verification{}, err
	}
	out := Verification{Run: rep}
	st, err := tx.SettlementByRun(ctx, tenantID, runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return out, nil
	case err != nil:
		return out, fmt.Errorf("load settlement: %w", err)
	}
	recs, err := tx.DecisionRecords(ctx, tenantID, st.SettlementID)
	if err != nil {
		return out, fmt.Errorf("load decisions: %w", err)
	}
	dr := &DecisionReport{Count: len(recs), Valid: true}
	if err := settlement.VerifyDecisionChain(recs, s.keys); err != nil {
		dr.Valid = false
		dr.Error = err.Error()
	}
	out.Decisions = dr
	return out, nil
}
