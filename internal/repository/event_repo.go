package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/core-pay23/ledger/internal/domain"
)

// EventRepo persists the append-only audit log. Events are only ever
// inserted inside the same database transaction as the mutation they
// describe, so a rolled-back operation leaves no trace here.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Emit appends one event. txnID 0 means the event is not tied to a
// transaction (allow-list and tax-address changes).
func (r *EventRepo) Emit(tx *sql.Tx, typ domain.EventType, txnID uint64, attrs map[string]any) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	var txnCol any
	if txnID > 0 {
		txnCol = txnID
	}

	_, err = tx.Exec(
		`INSERT INTO events (id, type, transaction_id, attributes, created_at)
		VALUES (?,?,?,?,?)`,
		uuid.NewString(), string(typ), txnCol, string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type EventFilter struct {
	Type          string
	TransactionID uint64
	Page          int
	Limit         int
}

func (r *EventRepo) List(f EventFilter) ([]domain.Event, int, error) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.TransactionID > 0 {
		clauses = append(clauses, "transaction_id = ?")
		args = append(args, f.TransactionID)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	// rowid is insertion order, which is exactly the append order of the log.
	query := `SELECT id, type, transaction_id, attributes, created_at
		FROM events` + where + " ORDER BY rowid LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		events = append(events, *ev)
	}
	return events, total, rows.Err()
}

// ByTransaction returns every event recorded for a transaction, oldest first.
func (r *EventRepo) ByTransaction(txnID uint64) ([]domain.Event, error) {
	events, _, err := r.List(EventFilter{TransactionID: txnID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var ev domain.Event
	var txnID sql.NullInt64
	var attrs, createdAt string

	if err := rows.Scan(&ev.ID, &ev.Type, &txnID, &attrs, &createdAt); err != nil {
		return nil, err
	}

	if txnID.Valid {
		ev.TransactionID = uint64(txnID.Int64)
	}
	if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	ev.CreatedAt = created

	return &ev, nil
}
