package store

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/BTreeMap/CallIntake/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const callRecordColumns = `call_id, callback_number, is_patient, date_of_birth, gender, state, symptom,
	confirmation_status, outcome, error_count, call_time, finished_at`

// scanCallRecord scans a CallRecord selected with callRecordColumns.
func scanCallRecord(row rowScanner) (models.CallRecord, error) {
	var r models.CallRecord
	var callback, isPatient, dob, gender, state, symptom, confirmation sql.NullString
	var outcome string
	err := row.Scan(
		&r.CallID, &callback, &isPatient, &dob, &gender, &state, &symptom,
		&confirmation, &outcome, &r.ErrorCount, &r.CallTime, &r.FinishedAt,
	)
	if err != nil {
		return r, err
	}
	r.CallbackNumber = callback.String
	r.IsPatient = isPatient.String
	r.DateOfBirth = dob.String
	r.Gender = gender.String
	r.State = state.String
	r.Symptom = symptom.String
	r.ConfirmationStatus = confirmation.String
	r.Outcome = models.CallOutcome(outcome)
	return r, nil
}

// scanCallRecords drains rows into a slice.
func scanCallRecords(rows *sql.Rows) ([]models.CallRecord, error) {
	var records []models.CallRecord
	for rows.Next() {
		r, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call record rows: %w", err)
	}
	return records, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.CallID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// sortRecords orders records by call time, newest first.
func sortRecords(records []models.CallRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CallTime.Equal(records[j].CallTime) {
			return records[i].CallID < records[j].CallID
		}
		return records[i].CallTime.After(records[j].CallTime)
	})
}
