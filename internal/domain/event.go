package domain

import "time"

// EventType identifies an entry in the append-only audit log.
type EventType string

const (
	EventTransactionCreated  EventType = "TransactionCreated"
	EventTransactionPaid     EventType = "TransactionPaid"
	EventTransactionRefunded EventType = "TransactionRefunded"
	EventTaxAddressUpdated   EventType = "TaxAddressUpdated"
	EventTokenAllowed        EventType = "TokenAllowed"
	EventTokenRemoved        EventType = "TokenRemoved"
)

// Event is one audit-log record. Events are written in the same database
// transaction as the mutation they describe, so the log never records a
// change that was rolled back.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	TransactionID uint64         `json:"transaction_id,omitempty"`
	Attributes    map[string]any `json:"attributes"`
	CreatedAt     time.Time      `json:"created_at"`
}
