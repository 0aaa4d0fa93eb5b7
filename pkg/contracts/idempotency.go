package contracts

import "time"

// IdempotencyRecord stores the response of the first execution of a keyed
// mutation. (TenantID, Operation, Key) is unique.
type IdempotencyRecord struct {
	TenantID    string    `json:"tenantId"`
	Operation   string    `json:"operation"`
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}
