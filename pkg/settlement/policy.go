package settlement

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
)

// Verification signals.
const (
	SignalGreen = "green"
	SignalAmber = "amber"
	SignalRed   = "red"
)

// VerificationMethod names how a signal is derived from a completion receipt.
const VerificationMethod = "receipt_status.v1"

// VerificationMethodHash binds decisions to VerificationMethod.
var VerificationMethodHash = canonicalize.MustHash(map[string]string{"method": VerificationMethod})

// SignalFromReceipt maps a receipt status to a verification signal.
func SignalFromReceipt(status string) string {
	switch status {
	case contracts.ReceiptSuccess:
		return SignalGreen
	case contracts.ReceiptPartial:
		return SignalAmber
	default:
		return SignalRed
	}
}

// Policy decides whether a verification signal releases funds automatically
// and at which rate.
type Policy struct {
	PolicyID             string `yaml:"policyId" json:"policyId"`
	Version              string `yaml:"version" json:"version"`
	Description          string `yaml:"description,omitempty" json:"description,omitempty"`
	AutoReleaseOnGreen   bool   `yaml:"autoReleaseOnGreen" json:"autoReleaseOnGreen"`
	GreenReleaseRatePct  int    `yaml:"greenReleaseRatePct" json:"greenReleaseRatePct"`
	AutoReleaseOnAmber   bool   `yaml:"autoReleaseOnAmber" json:"autoReleaseOnAmber"`
	AmberReleaseRatePct  int    `yaml:"amberReleaseRatePct" json:"amberReleaseRatePct"`
	AutoReleaseOnRed     bool   `yaml:"autoReleaseOnRed" json:"autoReleaseOnRed"`
	RedReleaseRatePct    int    `yaml:"redReleaseRatePct" json:"redReleaseRatePct"`
	DisputeWindowDays    int    `yaml:"disputeWindowDays" json:"disputeWindowDays"`
	PlatformFeeBps       int    `yaml:"platformFeeBps" json:"platformFeeBps"`
	AutoReleaseCondition string `yaml:"autoReleaseCondition,omitempty" json:"autoReleaseCondition,omitempty"`
}

// DefaultPolicyID is bound when a work order names no policy.
const DefaultPolicyID = "settld.default"

// DefaultPolicy releases fully on green, half on amber and sends red to
// manual review.
func DefaultPolicy() Policy {
	return Policy{
		PolicyID:            DefaultPolicyID,
		Version:             "1.0.0",
		Description:         "built-in default settlement policy",
		AutoReleaseOnGreen:  true,
		GreenReleaseRatePct: 100,
		AutoReleaseOnAmber:  true,
		AmberReleaseRatePct: 50,
		AutoReleaseOnRed:    false,
		RedReleaseRatePct:   0,
		DisputeWindowDays:   3,
		PlatformFeeBps:      0,
	}
}

// Validate checks ranges and the version format.
func (p Policy) Validate() error {
	if p.PolicyID == "" {
		return fmt.Errorf("policy: policyId is required")
	}
	if _, err := semver.StrictNewVersion(p.Version); err != nil {
		return fmt.Errorf("policy %s: version %q is not semver: %w", p.PolicyID, p.Version, err)
	}
	for name, pct := range map[string]int{
		"greenReleaseRatePct": p.GreenReleaseRatePct,
		"amberReleaseRatePct": p.AmberReleaseRatePct,
		"redReleaseRatePct":   p.RedReleaseRatePct,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("policy %s: %s must be within 0..100, got %d", p.PolicyID, name, pct)
		}
	}
	if p.DisputeWindowDays < 0 {
		return fmt.Errorf("policy %s: disputeWindowDays must not be negative", p.PolicyID)
	}
	if p.PlatformFeeBps < 0 || p.PlatformFeeBps > 10000 {
		return fmt.Errorf("policy %s: platformFeeBps must be within 0..10000", p.PolicyID)
	}
	return nil
}

// Hash is the canonical hash a decision binds to.
func (p Policy) Hash() string {
	return canonicalize.MustHash(p)
}

// Binding pins p on a settlement.
func (p Policy) Binding() contracts.PolicyBinding {
	return contracts.PolicyBinding{PolicyID: p.PolicyID, PolicyVersion: p.Version, PolicyHash: p.Hash()}
}

// Rule returns whether signal may auto-release and at which rate.
func (p Policy) Rule(signal string) (auto bool, pct int) {
	switch signal {
	case SignalGreen:
		return p.AutoReleaseOnGreen, p.GreenReleaseRatePct
	case SignalAmber:
		return p.AutoReleaseOnAmber, p.AmberReleaseRatePct
	default:
		return p.AutoReleaseOnRed, p.RedReleaseRatePct
	}
}
