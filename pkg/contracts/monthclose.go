package contracts

import "time"

// Month close states.
const (
	MonthCloseRequested        = "requested"
	MonthCloseStatementsClosed = "statements_closed"
	MonthCloseClosed           = "closed"
)

// StatementClosed is the only status a party statement is written with.
const StatementClosed = "CLOSED"

// MonthClose tracks the two-phase close of one tenant period.
type MonthClose struct {
	TenantID       string     `json:"tenantId"`
	Period         string     `json:"period"`
	Status         string     `json:"status"`
	StatementCount int        `json:"statementCount"`
	PayoutCount    int        `json:"payoutCount"`
	RequestedAt    time.Time  `json:"requestedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// PartyStatement is the closed balance of one party for one period.
// (TenantID, PartyID, Period) is the primary key.
type PartyStatement struct {
	TenantID      string    `json:"tenantId"`
	PartyID       string    `json:"partyId"`
	Period        string    `json:"period"`
	Status        string    `json:"status"`
	AccountID     string    `json:"accountId"`
	CreditsCents  int64     `json:"creditsCents"`
	DebitsCents   int64     `json:"debitsCents"`
	NetCents      int64     `json:"netCents"`
	PostingCount  int       `json:"postingCount"`
	StatementHash string    `json:"statementHash"`
	ClosedAt      time.Time `json:"closedAt"`
}
