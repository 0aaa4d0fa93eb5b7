// Package contracts holds the durable record types shared between the domain
// packages and the storage adapters.
package contracts

import (
	"encoding/json"
	"time"
)

// Actor identifies who caused an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one immutable link of a per-stream hash chain.
type Event struct {
	TenantID      string          `json:"tenantId"`
	StreamID      string          `json:"streamId"`
	Seq           int64           `json:"seq"`
	Type          string          `json:"type"`
	Actor         Actor           `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payloadHash"`
	PrevChainHash string          `json:"prevChainHash"`
	ChainHash     string          `json:"chainHash"`
	Signature     string          `json:"signature,omitempty"`
	SignerKeyID   string          `json:"signerKeyId,omitempty"`
	At            time.Time       `json:"at"`
}

// StreamHead is the current tip of a stream. An empty ChainHash means the
// stream has no events yet.
type StreamHead struct {
	TenantID  string `json:"tenantId"`
	StreamID  string `json:"streamId"`
	Seq       int64  `json:"seq"`
	ChainHash string `json:"chainHash"`
}
