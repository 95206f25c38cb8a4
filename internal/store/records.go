package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	StatusDispatched = "dispatched"
	StatusSimulated  = "simulated"
	StatusFailed     = "failed"
)

// Record is one journaled dispatch action.
type Record struct {
	ID        int
	TicketID  int
	Member    string
	StartTime time.Time
	Hours     float64
	Simulated bool
	EntryID   int
	Status    string
	Error     string
	CreatedAt time.Time
}

func (db *DB) InsertRecord(r *Record) (int64, error) {
	result, err := db.Exec(
		`INSERT INTO records (ticket_id, member, start_time, hours, simulated, entry_id, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TicketID, r.Member,
		r.StartTime.UTC().Format(time.RFC3339),
		r.Hours, r.Simulated, r.EntryID, r.Status, r.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}
	return result.LastInsertId()
}

func (db *DB) RecentRecords(limit int) ([]Record, error) {
	return db.queryRecords(
		`SELECT id, ticket_id, member, start_time, hours, simulated, entry_id, status, error, created_at
		 FROM records
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
}

func (db *DB) TicketRecords(ticketID int) ([]Record, error) {
	return db.queryRecords(
		`SELECT id, ticket_id, member, start_time, hours, simulated, entry_id, status, error, created_at
		 FROM records
		 WHERE ticket_id = ?
		 ORDER BY start_time ASC`,
		ticketID,
	)
}

func (db *DB) queryRecords(query string, args ...interface{}) ([]Record, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var entryID sql.NullInt64
		var errMsg sql.NullString
		var startStr, createdStr string

		if err := rows.Scan(
			&r.ID, &r.TicketID, &r.Member, &startStr, &r.Hours,
			&r.Simulated, &entryID, &r.Status, &errMsg, &createdStr,
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}

		r.EntryID = int(entryID.Int64)
		r.Error = errMsg.String

		if t, err := time.Parse(time.RFC3339, startStr); err == nil {
			r.StartTime = t
		}
		if t, err := time.Parse(time.RFC3339, createdStr); err == nil {
			r.CreatedAt = t
		}

		records = append(records, r)
	}

	return records, rows.Err()
}
