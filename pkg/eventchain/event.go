// Package eventchain builds, appends and verifies per-stream hash chains.
//
// Every event commits to its payload hash and to the chain hash of the event
// before it, so reordering, deletion or mutation of any stored event is
// detected by recomputing the chain. Appends are guarded by a compare-and-swap
// on the stream head (the caller's expected previous chain hash).
package eventchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

var (
	ErrPayloadHashMismatch = errors.New("eventchain: payload hash mismatch")
	ErrChainHashMismatch   = errors.New("eventchain: chain hash mismatch")
	ErrChainBroken         = errors.New("eventchain: prevChainHash does not link to previous event")
	ErrSequenceGap         = errors.New("eventchain: sequence gap")
	ErrUnknownSigner       = errors.New("eventchain: unknown signer key")
	ErrBadSignature        = errors.New("eventchain: signature does not verify")
)

// Stream id prefixes.
const (
	StreamWorkOrder = "workorder:"
	StreamRun       = "run:"
	StreamSession   = "session:"
)

func WorkOrderStream(id string) string { return StreamWorkOrder + id }
func RunStream(id string) string       { return StreamRun + id }
func SessionStream(id string) string   { return StreamSession + id }

// Draft is an event whose payload has been hashed but which is not yet
// linked into a chain.
type Draft struct {
	StreamID    string
	Type        string
	Actor       contracts.Actor
	Payload     json.RawMessage
	PayloadHash string
	At          time.Time
}

// CreateEvent canonicalizes payload and computes its hash.
func CreateEvent(streamID, eventType string, actor contracts.Actor, payload any, at time.Time) (Draft, error) {
	if streamID == "" {
		return Draft{}, fmt.Errorf("eventchain: streamId is required")
	}
	if eventType == "" {
		return Draft{}, fmt.Errorf("eventchain: type is required")
	}
	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return Draft{}, fmt.Errorf("eventchain: canonicalize payload: %w", err)
	}
	return Draft{
		StreamID:    streamID,
		Type:        eventType,
		Actor:       actor,
		Payload:     canon,
		PayloadHash: canonicalize.HashBytes(canon),
		At:          at.UTC(),
	}, nil
}

// ChainHash is the hash linking an event to its predecessor. An empty
// prevChainHash (the first event of a stream) is hashed as null.
func ChainHash(streamID, eventType, payloadHash, prevChainHash string, at time.Time) (string, error) {
	var prev any
	if prevChainHash != "" {
		prev = prevChainHash
	}
	return canonicalize.CanonicalHash(map[string]any{
		"at":            FormatAt(at),
		"payloadHash":   payloadHash,
		"prevChainHash": prev,
		"streamId":      streamID,
		"type":          eventType,
	})
}

// FormatAt renders an event time the way it is committed to by the chain hash.
func FormatAt(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}

// FinalizeEvent links d after prevChainHash and signs the chain hash when a
// signer is supplied.
func FinalizeEvent(d Draft, prevChainHash string, signer crypto.Signer) (contracts.Event, error) {
	chainHash, err := ChainHash(d.StreamID, d.Type, d.PayloadHash, prevChainHash, d.At)
	if err != nil {
		return contracts.Event{}, err
	}
	ev := contracts.Event{
		StreamID:      d.StreamID,
		Type:          d.Type,
		Actor:         d.Actor,
		Payload:       d.Payload,
		PayloadHash:   d.PayloadHash,
		PrevChainHash: prevChainHash,
		ChainHash:     chainHash,
		At:            d.At,
	}
	if signer != nil {
		sig, err := signer.Sign([]byte(chainHash))
		if err != nil {
			return contracts.Event{}, fmt.Errorf("eventchain: sign: %w", err)
		}
		ev.Signature = sig
		ev.SignerKeyID = signer.KeyID()
	}
	return ev, nil
}

// VerifyEvent recomputes the payload hash, the chain hash and, for signed
// events, the signature. keys may be nil when no event is signed.
func VerifyEvent(ev contracts.Event, keys crypto.KeyResolver) error {
	payloadHash, err := canonicalize.CanonicalHash(ev.Payload)
	if err != nil {
		return fmt.Errorf("eventchain: canonicalize payload: %w", err)
	}
	if payloadHash != ev.PayloadHash {
		return ErrPayloadHashMismatch
	}
	chainHash, err := ChainHash(ev.StreamID, ev.Type, ev.PayloadHash, ev.PrevChainHash, ev.At)
	if err != nil {
		return err
	}
	if chainHash != ev.ChainHash {
		return ErrChainHashMismatch
	}
	if ev.Signature == "" && ev.SignerKeyID == "" {
		return nil
	}
	if keys == nil {
		return ErrUnknownSigner
	}
	pub, ok := keys.PublicKeyFor(ev.SignerKeyID)
	if !ok {
		return ErrUnknownSigner
	}
	valid, err := crypto.Verify(pub, ev.Signature, []byte(ev.ChainHash))
	if err != nil || !valid {
		return ErrBadSignature
	}
	return nil
}

// ChainError locates the first failing event of a chain.
type ChainError struct {
	Index     int
	ChainHash string
	Err       error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("event %d (%s): %v", e.Index, e.ChainHash, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// VerifyChain verifies every event and the linkage between them, starting
// from the genesis head.
func VerifyChain(events []contracts.Event, keys crypto.KeyResolver) error {
	prev := ""
	for i, ev := range events {
		if ev.PrevChainHash != prev {
			return &ChainError{Index: i, ChainHash: ev.ChainHash, Err: ErrChainBroken}
		}
		if ev.Seq != 0 && ev.Seq != int64(i+1) {
			return &ChainError{Index: i, ChainHash: ev.ChainHash, Err: ErrSequenceGap}
		}
		if err := VerifyEvent(ev, keys); err != nil {
			return &ChainError{Index: i, ChainHash: ev.ChainHash, Err: err}
		}
		prev = ev.ChainHash
	}
	return nil
}

// Report summarizes a chain verification.
type Report struct {
	StreamID      string `json:"streamId"`
	EventCount    int    `json:"eventCount"`
	SignedCount   int    `json:"signedCount"`
	HeadChainHash string `json:"headChainHash"`
	Valid         bool   `json:"valid"`
	FailedIndex   *int   `json:"failedIndex,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Verify runs VerifyChain and renders the outcome as a Report.
func Verify(streamID string, events []contracts.Event, keys crypto.KeyResolver) Report {
	r := Report{StreamID: streamID, EventCount: len(events), Valid: true}
	for _, ev := range events {
		if ev.Signature != "" {
			r.SignedCount++
		}
	}
	if len(events) > 0 {
		r.HeadChainHash = events[len(events)-1].ChainHash
	}
	if err := VerifyChain(events, keys); err != nil {
		r.Valid = false
		r.Error = err.Error()
		var ce *ChainError
		if errors.As(err, &ce) {
			idx := ce.Index
			r.FailedIndex = &idx
		}
	}
	return r
}
