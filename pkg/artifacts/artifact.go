package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/canonicalize"
	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/delivery"
	"github.com/Mindburn-Labs/settld/pkg/outbox"
	"github.com/Mindburn-Labs/settld/pkg/store"
)

var idPrefixes = map[string]string{
	contracts.ArtifactWorkOrderReceipt:   "rcpt",
	contracts.ArtifactSettlementDecision: "sdec",
	contracts.ArtifactPartyStatement:     "pstmt",
	contracts.ArtifactPayoutInstruction:  "payout",
}

// ID derives the artifact id from its type and body hash.
func ID(artifactType, artifactHash string) string {
	prefix, ok := idPrefixes[artifactType]
	if !ok {
		prefix = "art"
	}
	return prefix + "_" + artifactHash[:24]
}

// Job asks for one artifact. Document is any JSON-marshalable value; the
// artifact body is its canonical JSON.
type Job struct {
	TenantID     string `json:"tenantId"`
	ArtifactType string `json:"artifactType"`
	JobID        string `json:"jobId"`
	Document     any    `json:"document"`
}

// Body returns the canonical bytes and hash of the job document.
func (j Job) Body() ([]byte, string, error) {
	body, err := canonicalize.JCS(j.Document)
	if err != nil {
		return nil, "", fmt.Errorf("artifact %s: %w", j.ArtifactType, err)
	}
	return body, canonicalize.HashBytes(body), nil
}

// MessageID is the outbox id of a job; identical documents share one.
func MessageID(tenantID, artifactHash string) string {
	return "artifact:" + tenantID + ":" + artifactHash
}

// Enqueue schedules ARTIFACT_GENERATE for j inside tx.
func Enqueue(ctx context.Context, tx store.OutboxTx, j Job, now time.Time) (bool, error) {
	if _, ok := idPrefixes[j.ArtifactType]; !ok {
		return false, fmt.Errorf("unknown artifact type %q", j.ArtifactType)
	}
	body, hash, err := j.Body()
	if err != nil {
		return false, err
	}
	j.Document = json.RawMessage(body)
	return outbox.Enqueue(ctx, tx, outbox.Message{
		ID:       MessageID(j.TenantID, hash),
		TenantID: j.TenantID,
		Topic:    contracts.TopicArtifactGenerate,
		Payload:  j,
	}, now)
}

// Generator writes artifact blobs and rows and fans them out to delivery
// destinations. It handles ARTIFACT_GENERATE.
type Generator struct {
	blobs  Store
	clock  func() time.Time
	logger *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

func WithClock(clock func() time.Time) GeneratorOption {
	return func(g *Generator) { g.clock = clock }
}

func NewGenerator(blobs Store, opts ...GeneratorOption) *Generator {
	g := &Generator{blobs: blobs, clock: time.Now, logger: slog.Default().With("component", "artifacts")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Blobs returns the blob store artifacts are written to.
func (g *Generator) Blobs() Store { return g.blobs }

// Prepare stores the blob of j and returns the row to persist. Blob writes
// are idempotent, so a crash before Persist only leaves a reusable blob.
func (g *Generator) Prepare(ctx context.Context, j Job) (contracts.Artifact, error) {
	body, hash, err := j.Body()
	if err != nil {
		return contracts.Artifact{}, err
	}
	address, err := g.blobs.Store(ctx, body)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("store artifact blob: %w", err)
	}
	if address != "sha256:"+hash {
		return contracts.Artifact{}, fmt.Errorf("blob address %s does not match body hash %s", address, hash)
	}
	return contracts.Artifact{
		ArtifactID:   ID(j.ArtifactType, hash),
		ArtifactType: j.ArtifactType,
		ArtifactHash: hash,
		TenantID:     j.TenantID,
		JobID:        j.JobID,
		SizeBytes:    int64(len(body)),
		CreatedAt:    g.clock().UTC(),
	}, nil
}

// Persist inserts a and requests its delivery to every subscribed
// destination. Re-persisting the same artifact is a no-op.
func (g *Generator) Persist(ctx context.Context, tx store.Tx, a contracts.Artifact) (bool, error) {
	created, err := tx.InsertArtifact(ctx, a)
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	dests, err := tx.ListDestinations(ctx, a.TenantID)
	if err != nil {
		return created, fmt.Errorf("list destinations: %w", err)
	}
	for _, d := range dests {
		if !d.Accepts(a.ArtifactType) {
			continue
		}
		_, err := delivery.Enqueue(ctx, tx, delivery.Request{
			TenantID:      a.TenantID,
			DestinationID: d.DestinationID,
			ArtifactID:    a.ArtifactID,
			ArtifactType:  a.ArtifactType,
			BlobAddress:   "sha256:" + a.ArtifactHash,
		}, g.clock())
		if err != nil {
			return created, err
		}
	}
	if created {
		g.logger.InfoContext(ctx, "artifact generated",
			"tenant", a.TenantID, "artifact", a.ArtifactID, "type", a.ArtifactType, "size_bytes", a.SizeBytes)
	}
	return created, nil
}

func (g *Generator) Handle(ctx context.Context, msg contracts.OutboxMessage) (outbox.Commit, error) {
	var j struct {
		Job
		Document json.RawMessage `json:"document"`
	}
	if err := outbox.Decode(msg, &j); err != nil {
		return nil, err
	}
	job := j.Job
	job.Document = j.Document
	if job.TenantID != msg.TenantID {
		return nil, outbox.Permanent(fmt.Errorf("job tenant %q does not match message tenant %q", job.TenantID, msg.TenantID))
	}
	a, err := g.Prepare(ctx, job)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, tx store.Tx) error {
		_, err := g.Persist(ctx, tx, a)
		return err
	}, nil
}

// Load returns the artifact row and its body.
func Load(ctx context.Context, s store.Store, blobs Store, tenantID, artifactID string) (contracts.Artifact, []byte, error) {
	var a contracts.Artifact
	err := s.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.Artifact(ctx, tenantID, artifactID)
		return err
	})
	if err != nil {
		return a, nil, err
	}
	body, err := blobs.Get(ctx, "sha256:"+a.ArtifactHash)
	return a, body, err
}
