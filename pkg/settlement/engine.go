package settlement

import (
	"fmt"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
)

// Decision is the outcome of applying a policy to a verification signal.
type Decision struct {
	Auto           bool   `json:"auto"`
	Signal         string `json:"signal"`
	ReleaseRatePct int    `json:"releaseRatePct"`
	Status         string `json:"decisionStatus"`
	Reason         string `json:"reason,omitempty"`
}

// Engine maps signals to decisions.
type Engine struct {
	conditions *ConditionEvaluator
}

// NewEngine creates an engine with a fresh condition evaluator.
func NewEngine() (*Engine, error) {
	ev, err := NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{conditions: ev}, nil
}

// Decide applies p to signal. A rule that allows auto release still falls
// back to manual review when the policy condition does not hold.
func (e *Engine) Decide(p Policy, signal string, amountCents int64) (Decision, error) {
	auto, pct := p.Rule(signal)
	d := Decision{Signal: signal, ReleaseRatePct: pct}
	if !auto {
		d.Status = contracts.DecisionManualReviewRequired
		d.Reason = fmt.Sprintf("policy requires manual review on %s", signal)
		return d, nil
	}
	ok, err := e.conditions.Eval(p.AutoReleaseCondition, signal, amountCents, pct)
	if err != nil {
		return Decision{}, fmt.Errorf("policy %s@%s: %w", p.PolicyID, p.Version, err)
	}
	if !ok {
		d.Status = contracts.DecisionManualReviewRequired
		d.Reason = "autoReleaseCondition not satisfied"
		return d, nil
	}
	d.Auto = true
	d.Status = contracts.DecisionAutoResolved
	return d, nil
}
