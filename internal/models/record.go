// Package models defines the persisted call record.
package models

import "time"

// CallOutcome describes how an interview ended.
type CallOutcome string

const (
	// OutcomeCompleted means every question was answered.
	OutcomeCompleted CallOutcome = "completed"
	// OutcomeEscalated means the caller was routed to an agent after too many errors.
	OutcomeEscalated CallOutcome = "escalated"
	// OutcomeAbandoned means the call ended before the interview finished.
	OutcomeAbandoned CallOutcome = "abandoned"
)

// CallRecord is written once per call when the interview ends.
type CallRecord struct {
	CallID             string      `json:"call_id"`
	CallbackNumber     string      `json:"callback_number,omitempty"`
	IsPatient          string      `json:"is_patient,omitempty"`
	DateOfBirth        string      `json:"date_of_birth,omitempty"`
	Gender             string      `json:"gender,omitempty"`
	State              string      `json:"state,omitempty"`
	Symptom            string      `json:"symptom,omitempty"`
	ConfirmationStatus string      `json:"confirmation_status,omitempty"`
	Outcome            CallOutcome `json:"outcome"`
	ErrorCount         int         `json:"error_count"`
	CallTime           time.Time   `json:"call_time"`
	FinishedAt         time.Time   `json:"finished_at"`
}

// NewCallRecord snapshots a session into its persisted form.
func NewCallRecord(s CallSession, outcome CallOutcome, finishedAt time.Time) CallRecord {
	return CallRecord{
		CallID:             s.CallID,
		CallbackNumber:     s.Fields[FieldCallbackNumber],
		IsPatient:          s.Fields[FieldIsPatient],
		DateOfBirth:        s.Fields[FieldDateOfBirth],
		Gender:             s.Fields[FieldGender],
		State:              s.Fields[FieldState],
		Symptom:            s.Fields[FieldSymptom],
		ConfirmationStatus: s.ConfirmationStatus,
		Outcome:            outcome,
		ErrorCount:         s.ErrorCount,
		CallTime:           s.StartedAt,
		FinishedAt:         finishedAt,
	}
}

// Value returns the recorded value of a field.
func (r CallRecord) Value(f Field) string {
	switch f {
	case FieldCallbackNumber:
		return r.CallbackNumber
	case FieldIsPatient:
		return r.IsPatient
	case FieldDateOfBirth:
		return r.DateOfBirth
	case FieldGender:
		return r.Gender
	case FieldState:
		return r.State
	case FieldSymptom:
		return r.Symptom
	}
	return ""
}
