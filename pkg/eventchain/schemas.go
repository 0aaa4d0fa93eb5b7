package eventchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/settld/pkg/errs"
)

// Event types.
const (
	TypeWorkOrderCreated    = "WORK_ORDER_CREATED"
	TypeWorkOrderAccepted   = "WORK_ORDER_ACCEPTED"
	TypeWorkOrderProgress   = "WORK_ORDER_PROGRESS"
	TypeWorkOrderCompleted  = "WORK_ORDER_COMPLETED"
	TypeWorkOrderSettled    = "WORK_ORDER_SETTLED"
	TypeRunEvidenceAdded    = "RUN_EVIDENCE_ADDED"
	TypeRunNote             = "RUN_NOTE"
	TypeSettlementLocked    = "SETTLEMENT_LOCKED"
	TypeSettlementResolved  = "SETTLEMENT_RESOLVED"
	TypeDisputeOpened       = "DISPUTE_OPENED"
	TypeDisputeEvidence     = "DISPUTE_EVIDENCE_SUBMITTED"
	TypeDisputeEscalated    = "DISPUTE_ESCALATED"
	TypeDisputeClosed       = "DISPUTE_CLOSED"
	TypeArbitrationOpened   = "ARBITRATION_OPENED"
	TypeArbitrationAssigned = "ARBITRATION_ASSIGNED"
	TypeArbitrationEvidence = "ARBITRATION_EVIDENCE_SUBMITTED"
	TypeArbitrationVerdict  = "ARBITRATION_VERDICT_ISSUED"
	TypeArbitrationClosed   = "ARBITRATION_CLOSED"
	TypeArbitrationAppealed = "ARBITRATION_APPEALED"
	TypeSessionCreated      = "SESSION_CREATED"
	TypeSessionMessage      = "SESSION_MESSAGE"
)

const schemaBase = "https://settld.schemas.local/events/"

// builtinSchemas is the payload contract of every built-in event type. Each
// type is one variant of the payload union.
var builtinSchemas = map[string]string{
	TypeWorkOrderCreated: `{
		"type": "object",
		"required": ["workOrderId", "principalAgentId", "subAgentId", "amountCents", "currency"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"principalAgentId": {"type": "string", "minLength": 1},
			"subAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"title": {"type": "string"},
			"policyId": {"type": "string"}
		}
	}`,
	TypeWorkOrderAccepted: `{
		"type": "object",
		"required": ["workOrderId", "acceptedBy", "holdEntryId"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"acceptedBy": {"type": "string", "minLength": 1},
			"holdEntryId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeWorkOrderProgress: `{
		"type": "object",
		"required": ["workOrderId", "progressPct"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"progressPct": {"type": "integer", "minimum": 0, "maximum": 100},
			"note": {"type": "string"}
		}
	}`,
	TypeWorkOrderCompleted: `{
		"type": "object",
		"required": ["workOrderId", "runId", "receiptId", "receiptHash", "status"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"runId": {"type": "string", "minLength": 1},
			"receiptId": {"type": "string", "minLength": 1},
			"receiptHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"status": {"enum": ["success", "partial", "failed"]}
		}
	}`,
	TypeWorkOrderSettled: `{
		"type": "object",
		"required": ["workOrderId", "settlementId", "status", "decisionStatus"],
		"properties": {
			"workOrderId": {"type": "string", "minLength": 1},
			"settlementId": {"type": "string", "minLength": 1},
			"status": {"enum": ["locked", "released", "refunded", "disputed"]},
			"decisionStatus": {"type": "string"}
		}
	}`,
	TypeRunEvidenceAdded: `{
		"type": "object",
		"required": ["evidenceRef"],
		"properties": {"evidenceRef": {"type": "string", "minLength": 1}}
	}`,
	TypeRunNote: `{
		"type": "object",
		"required": ["note"],
		"properties": {"note": {"type": "string", "minLength": 1}}
	}`,
	TypeSettlementLocked: `{
		"type": "object",
		"required": ["settlementId", "amountCents", "disputeWindowEndsAt", "receiptHash"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 0},
			"disputeWindowEndsAt": {"type": "string"},
			"receiptHash": {"type": "string"}
		}
	}`,
	TypeSettlementResolved: `{
		"type": "object",
		"required": ["settlementId", "status", "decisionStatus", "releaseRatePct", "releasedAmountCents", "refundedAmountCents"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"status": {"enum": ["released", "refunded"]},
			"decisionStatus": {"enum": ["auto_resolved", "manual_resolved"]},
			"releaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
			"releasedAmountCents": {"type": "integer", "minimum": 0},
			"refundedAmountCents": {"type": "integer", "minimum": 0}
		}
	}`,
	TypeDisputeOpened: `{
		"type": "object",
		"required": ["settlementId", "disputeId", "openedBy"],
		"properties": {
			"settlementId": {"type": "string", "minLength": 1},
			"disputeId": {"type": "string", "minLength": 1},
			"openedBy": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	TypeDisputeEvidence: `{
		"type": "object",
		"required": ["disputeId", "evidenceRef"],
		"properties": {
			"disputeId": {"type": "string", "minLength": 1},
			"evidenceRef": {"type": "string", "minLength": 1}
		}
	}`,
	TypeDisputeEscalated: `{
		"type": "object",
		"required": ["disputeId", "level"],
		"properties": {
			"disputeId": {"type": "string", "minLength": 1},
			"level": {"enum": ["l1_counterparty", "l2_arbiter", "l3_external"]}
		}
	}`,
	TypeDisputeClosed: `{
		"type": "object",
		"required": ["disputeId", "status", "releaseRatePct"],
		"properties": {
			"disputeId": {"type": "string", "minLength": 1},
			"status": {"enum": ["released", "refunded"]},
			"releaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
			"verdictId": {"type": "string"}
		}
	}`,
	TypeArbitrationOpened: `{
		"type": "object",
		"required": ["disputeId", "caseId"],
		"properties": {
			"disputeId": {"type": "string", "minLength": 1},
			"caseId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeArbitrationAssigned: `{
		"type": "object",
		"required": ["caseId", "arbiterId"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"arbiterId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeArbitrationEvidence: `{
		"type": "object",
		"required": ["caseId", "evidenceRef"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"evidenceRef": {"type": "string", "minLength": 1}
		}
	}`,
	TypeArbitrationVerdict: `{
		"type": "object",
		"required": ["caseId", "verdictId", "outcome", "releaseRatePct", "verdictHash"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"verdictId": {"type": "string", "minLength": 1},
			"outcome": {"enum": ["release", "refund"]},
			"releaseRatePct": {"type": "integer", "minimum": 0, "maximum": 100},
			"verdictHash": {"type": "string", "minLength": 1}
		}
	}`,
	TypeArbitrationClosed: `{
		"type": "object",
		"required": ["caseId"],
		"properties": {"caseId": {"type": "string", "minLength": 1}}
	}`,
	TypeArbitrationAppealed: `{
		"type": "object",
		"required": ["caseId", "appealOfCaseId"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"appealOfCaseId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,
	TypeSessionCreated: `{
		"type": "object",
		"required": ["sessionId", "participants"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"participants": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
		}
	}`,
	TypeSessionMessage: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"inReplyTo": {"type": "string"}
		}
	}`,
}

// SchemaRegistry validates event payloads against the JSON Schema registered
// for their type. Unknown types are rejected.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns a registry holding the built-in event types.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
	for eventType, schema := range builtinSchemas {
		if err := r.Register(eventType, schema); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustSchemaRegistry is NewSchemaRegistry for wiring code and tests.
func MustSchemaRegistry() *SchemaRegistry {
	r, err := NewSchemaRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Register compiles schema (Draft 2020-12) for eventType, replacing any
// previous registration.
func (r *SchemaRegistry) Register(eventType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBase + strings.ToLower(eventType) + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("event schema %s load failed: %w", eventType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("event schema %s compile failed: %w", eventType, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = compiled
	return nil
}

// Types lists the registered event types.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the schema of eventType.
func (r *SchemaRegistry) Validate(eventType string, payload any) error {
	r.mu.RLock()
	schema, ok := r.schemas[eventType]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindValidation, errs.CodeSchemaInvalid, "unknown event type %q", eventType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.New(errs.KindValidation, errs.CodeSchemaInvalid, "payload is not JSON: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errs.New(errs.KindValidation, errs.CodeSchemaInvalid, "payload is not JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return errs.New(errs.KindValidation, errs.CodeSchemaInvalid, "%s payload invalid", eventType).
			With("eventType", eventType).With("violation", err.Error())
	}
	return nil
}
