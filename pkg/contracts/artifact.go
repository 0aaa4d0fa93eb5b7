package contracts

import "time"

// Artifact types.
const (
	ArtifactWorkOrderReceipt   = "WorkOrderReceipt.v1"
	ArtifactSettlementDecision = "SettlementDecision.v1"
	ArtifactPartyStatement     = "PartyStatement.v1"
	ArtifactPayoutInstruction  = "PayoutInstruction.v1"
)

// Artifact is a content-addressed document. (TenantID, ArtifactHash) is unique.
type Artifact struct {
	ArtifactID   string    `json:"artifactId"`
	ArtifactType string    `json:"artifactType"`
	ArtifactHash string    `json:"artifactHash"`
	TenantID     string    `json:"tenantId"`
	JobID        string    `json:"jobId"`
	SizeBytes    int64     `json:"sizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Delivery states.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Destination is a tenant webhook endpoint.
type Destination struct {
	DestinationID string    `json:"destinationId"`
	TenantID      string    `json:"tenantId"`
	URL           string    `json:"url"`
	Secret        string    `json:"-"`
	ArtifactTypes []string  `json:"artifactTypes"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Accepts reports whether the destination subscribes to artifactType.
// An empty subscription list accepts everything.
func (d Destination) Accepts(artifactType string) bool {
	if !d.Active {
		return false
	}
	if len(d.ArtifactTypes) == 0 {
		return true
	}
	for _, t := range d.ArtifactTypes {
		if t == artifactType {
			return true
		}
	}
	return false
}

// Delivery is the single record of an artifact sent to a destination.
type Delivery struct {
	DedupeKey     string    `json:"dedupeKey"`
	TenantID      string    `json:"tenantId"`
	DestinationID string    `json:"destinationId"`
	ArtifactID    string    `json:"artifactId"`
	ArtifactType  string    `json:"artifactType"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	LastStatus    int       `json:"lastStatus"`
	LastError     string    `json:"lastError,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
