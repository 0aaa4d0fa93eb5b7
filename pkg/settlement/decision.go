package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/crypto"
)

// Verifier kinds.
const (
	VerifierPolicyEngine = "policy_engine"
	VerifierOperator     = "operator"
	VerifierArbiter      = "arbiter"
)

var (
	ErrDecisionHashMismatch = errors.New("settlement: decision hash mismatch")
	ErrDecisionChainBroken  = errors.New("settlement: decision chain broken")
)

// ProfileHash binds the policy parameters that shaped a decision.
func ProfileHash(p Policy) string {
	return canonicalize.MustHash(map[string]any{
		"policyHash":             p.Hash(),
		"verificationMethodHash": VerificationMethodHash,
		"disputeWindowDays":      p.DisputeWindowDays,
		"platformFeeBps":         p.PlatformFeeBps,
	})
}

// NewDecisionRecord builds the next record of the settlement decision chain.
// prev is the latest existing record, or nil for the first one. The record
// is signed when signer is non-nil.
func NewDecisionRecord(prev *contracts.SettlementDecisionRecord, s contracts.Settlement, p Policy,
	verifier contracts.VerifierRef, signer crypto.Signer, at time.Time) (contracts.SettlementDecisionRecord, error) {
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.Seq + 1
		prevHash = prev.DecisionHash
	}
	pct := 0
	if s.ReleaseRatePct != nil {
		pct = *s.ReleaseRatePct
	}
	rec := contracts.SettlementDecisionRecord{
		DecisionID:     fmt.Sprintf("dec_%s_%d", s.SettlementID, seq),
		TenantID:       s.TenantID,
		SettlementID:   s.SettlementID,
		RunID:          s.RunID,
		Seq:            seq,
		DecisionStatus: s.DecisionStatus,
		Status:         s.Status,
		Signal:         s.VerificationSignal,
		ReleaseRatePct: pct,
		PolicyRef: contracts.DecisionPolicyRef{
			PolicyID:               s.Policy.PolicyID,
			PolicyVersion:          s.Policy.PolicyVersion,
			PolicyHash:             s.Policy.PolicyHash,
			VerificationMethodHash: VerificationMethodHash,
		},
		VerifierRef:      verifier,
		WorkRef:          contracts.WorkRef{ReceiptID: s.CompletionReceiptID, ReceiptHash: s.CompletionReceiptHash},
		ProfileHash:      ProfileHash(p),
		PrevDecisionHash: prevHash,
		DecidedAt:        at.UTC(),
	}
	h, err := DecisionHash(rec)
	if err != nil {
		return rec, err
	}
	rec.DecisionHash = h
	if signer != nil {
		sig, err := signer.Sign([]byte(h))
		if err != nil {
			return rec, fmt.Errorf("sign decision: %w", err)
		}
		rec.Signature = sig
		rec.SignerKeyID = signer.KeyID()
	}
	return rec, nil
}

// DecisionHash hashes a record with its hash and signature fields cleared.
func DecisionHash(rec contracts.SettlementDecisionRecord) (string, error) {
	rec.DecisionHash = ""
	rec.Signature = ""
	rec.SignerKeyID = ""
	return canonicalize.CanonicalHash(rec)
}

// VerifyDecisionChain checks hashes, linkage and, when keys is non-nil,
// signatures of records ordered by Seq.
func VerifyDecisionChain(records []contracts.SettlementDecisionRecord, keys crypto.KeyResolver) error {
	prev := ""
	for i, rec := range records {
		if rec.PrevDecisionHash != prev || rec.Seq != i+1 {
			return fmt.Errorf("record %d: %w", i, ErrDecisionChainBroken)
		}
		h, err := DecisionHash(rec)
		if err != nil {
			return err
		}
		if h != rec.DecisionHash {
			return fmt.Errorf("record %d: %w", i, ErrDecisionHashMismatch)
		}
		if keys != nil && rec.Signature != "" {
			pub, ok := keys.PublicKeyFor(rec.SignerKeyID)
			if !ok {
				return fmt.Errorf("record %d: unknown signer %q", i, rec.SignerKeyID)
			}
			valid, err := crypto.Verify(pub, rec.Signature, []byte(rec.DecisionHash))
			if err != nil || !valid {
				return fmt.Errorf("record %d: bad signature", i)
			}
		}
		prev = rec.DecisionHash
	}
	return nil
}
