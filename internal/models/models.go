// Package models defines the core data structures for CallIntake.
//
// It includes the per-call conversation session, the persisted call record, and the
// JSON envelope used by the admin API. These types are shared across modules.
package models

import (
	"errors"
	"time"
)

// Field names one piece of intake data collected from the caller.
type Field string

const (
	// FieldCallbackNumber is the number the caller can be reached at, formatted (AAA) BBB-CCCC.
	FieldCallbackNumber Field = "callback_number"
	// FieldIsPatient records whether the caller is the patient ("yes" or "no").
	FieldIsPatient Field = "is_patient"
	// FieldDateOfBirth is the patient's date of birth, formatted M/D/YYYY.
	FieldDateOfBirth Field = "date_of_birth"
	// FieldGender is the patient's biological sex ("female" or "male").
	FieldGender Field = "gender"
	// FieldState is the US state the caller is currently in.
	FieldState Field = "state"
	// FieldSymptom is the caller's main symptom or reason for calling, verbatim.
	FieldSymptom Field = "symptom"
)

// AllFields lists every intake field in interview order.
var AllFields = []Field{
	FieldCallbackNumber,
	FieldIsPatient,
	FieldDateOfBirth,
	FieldGender,
	FieldState,
	FieldSymptom,
}

// CallStatus is the lifecycle status of a CallSession.
type CallStatus string

const (
	// CallStatusInProgress means the interview is still asking questions.
	CallStatusInProgress CallStatus = "in_progress"
	// CallStatusEscalated means the error ceiling was crossed and the caller is routed to an agent.
	CallStatusEscalated CallStatus = "escalated"
	// CallStatusCompleted means every question was answered.
	CallStatusCompleted CallStatus = "completed"
	// CallStatusAbandoned means the caller hung up before the interview finished.
	CallStatusAbandoned CallStatus = "abandoned"
)

// IsTerminal reports whether no further interview transitions are allowed.
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEscalated || s == CallStatusCompleted || s == CallStatusAbandoned
}

// Confirmation outcomes recorded on a session.
const (
	ConfirmationYes = "yes"
	ConfirmationNo  = "no"
)

// Error variables for validation
var (
	ErrEmptyCallID = errors.New("call ID cannot be empty")
)

// CallSession is the conversation state of one live phone call, keyed by the
// platform-supplied call identifier.
type CallSession struct {
	CallID              string           `json:"call_id"`
	QuestionIndex       int              `json:"question_index"`
	ErrorCount          int              `json:"error_count"`
	Fields              map[Field]string `json:"fields,omitempty"`
	PendingConfirmation Field            `json:"pending_confirmation,omitempty"`
	ConfirmationStatus  string           `json:"confirmation_status,omitempty"`
	Status              CallStatus       `json:"status"`
	StartedAt           time.Time        `json:"started_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// NewCallSession returns a fresh session positioned at the first question.
func NewCallSession(callID string, now time.Time) CallSession {
	return CallSession{
		CallID:    callID,
		Fields:    make(map[Field]string),
		Status:    CallStatusInProgress,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the structural invariants of a session.
func (s *CallSession) Validate() error {
	if s.CallID == "" {
		return ErrEmptyCallID
	}
	return nil
}

// AwaitingConfirmation reports whether a yes/no confirmation is outstanding.
func (s *CallSession) AwaitingConfirmation() bool {
	return s.PendingConfirmation != ""
}

// Clone returns a deep copy so that store mutators never alias committed state.
func (s CallSession) Clone() CallSession {
	out := s
	out.Fields = make(map[Field]string, len(s.Fields))
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
