// Package delivery pushes artifacts to tenant webhook destinations. Every
// (destination, artifact) pair has exactly one delivery row keyed by its
// dedupe key; retries resend identical bytes with the same key so receivers
// can drop duplicates.
package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

// Webhook headers.
const (
	HeaderDedupeKey    = "x-settld-dedupe-key"
	HeaderArtifactType = "x-settld-artifact-type"
	HeaderArtifactID   = "x-settld-artifact-id"
	HeaderSignature    = "x-settld-signature"
)

// DedupeKey identifies the single delivery of artifactID to destinationID.
func DedupeKey(destinationID, artifactID string) string {
	sum := sha256.Sum256([]byte(destinationID + ":" + artifactID))
	return hex.EncodeToString(sum[:])
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}

// Request is the DELIVERY_REQUESTED payload.
type Request struct {
	TenantID      string `json:"tenantId"`
	DestinationID string `json:"destinationId"`
	ArtifactID    string `json:"artifactId"`
	ArtifactType  string `json:"artifactType"`
	BlobAddress   string `json:"blobAddress"`
}

// MessageID is the outbox id of the delivery, one per dedupe key.
func MessageID(dedupeKey string) string { return "delivery:" + dedupeKey }

// Enqueue schedules the delivery of an artifact to one destination.
func Enqueue(ctx context.Context, tx store.OutboxTx, r Request, now time.Time) (bool, error) {
	return outbox.Enqueue(ctx, tx, outbox.Message{
		ID:       MessageID(DedupeKey(r.DestinationID, r.ArtifactID)),
		TenantID: r.TenantID,
		Topic:    contracts.TopicDeliveryRequested,
		Payload:  r,
	}, now)
}
