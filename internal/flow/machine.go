// Package flow drives the phone intake interview.
//
// A Machine turns voice-platform callbacks into session transitions. All progress lives in
// the per-call models.CallSession and is changed only through store.SessionStore.Update, so
// concurrent calls never share state and callbacks for one call are applied one at a time.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallIntake/internal/extraction"
	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/BTreeMap/CallIntake/internal/store"
)

// DefaultMaxErrors is the number of misses tolerated before a call escalates.
const DefaultMaxErrors = 2

// Recorder receives interview events for metrics.
type Recorder interface {
	ExtractionResult(field models.Field, hit bool)
	ConfirmationResult(accepted bool)
	CallFinished(outcome models.CallOutcome)
	PersistFailed(kind string)
}

type nopRecorder struct{}

func (nopRecorder) ExtractionResult(models.Field, bool) {}
func (nopRecorder) ConfirmationResult(bool) {}
func (nopRecorder) CallFinished(models.CallOutcome) {}
func (nopRecorder) PersistFailed(string) {}

// Opts holds optional Machine settings.
type Opts struct {
	Outbox    store.OutboxRepo
	Recorder  Recorder
	MaxErrors int
	Questions []QuestionSpec
	Now       func() time.Time
}

// Option configures a Machine.
type Option func(*Opts)

// WithOutbox enables escalation notices queued on repo.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithMaxErrors sets the error ceiling. Non-positive values keep the default.
func WithMaxErrors(n int) Option {
	return func(o *Opts) { o.MaxErrors = n }
}

// WithQuestions replaces the interview sequence.
func WithQuestions(qs []QuestionSpec) Option {
	return func(o *Opts) { o.Questions = qs }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Machine is the call session state machine.
type Machine struct {
	sessions  store.SessionStore
	records   store.RecordStore
	outbox    store.OutboxRepo
	recorder  Recorder
	maxErrors int
	questions []QuestionSpec
	now       func() time.Time
}

// NewMachine creates a Machine over the given stores.
func NewMachine(sessions store.SessionStore, records store.RecordStore, opts ...Option) *Machine {
	cfg := Opts{
		Recorder:  nopRecorder{},
		MaxErrors: DefaultMaxErrors,
		Questions: Questions,
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Machine{
		sessions:  sessions,
		records:   records,
		outbox:    cfg.Outbox,
		recorder:  cfg.Recorder,
		maxErrors: cfg.MaxErrors,
		questions: cfg.Questions,
		now:       cfg.Now,
	}
}

// step is the result of one transition.
type step struct {
	instr Instruction
	// outcome is set when the transition ended the interview.
	outcome models.CallOutcome
	// observe reports metrics once the update has committed.
	observe func()
}

// Start creates the session for a new call and greets the caller. A repeated call-start for
// an in-progress call greets again without resetting progress.
func (m *Machine) Start(ctx context.Context, callID string) (Instruction, error) {
	slog.Debug("Machine.Start", "call_id", callID)
	_, err := m.sessions.Create(ctx, callID, m.now())
	if errors.Is(err, store.ErrSessionExists) {
		existing, getErr := m.sessions.Get(ctx, callID)
		if getErr != nil {
			return Instruction{}, fmt.Errorf("failed to load session %s: %w", callID, getErr)
		}
		if existing != nil && existing.Status.IsTerminal() {
			slog.Warn("Machine.Start: call already finished", "call_id", callID, "status", existing.Status)
			return Instruction{}, ErrSessionClosed
		}
		slog.Info("Machine.Start: duplicate call-start, keeping progress", "call_id", callID)
	} else if err != nil {
		slog.Error("Machine.Start: failed to create session", "call_id", callID, "error", err)
		return Instruction{}, fmt.Errorf("failed to create session %s: %w", callID, err)
	} else {
		slog.Info("Machine.Start: call started", "call_id", callID)
	}
	return Instruction{
		CallID:   callID,
		Speak:    []string{TextGreeting},
		Next:     StepRedirect,
		Redirect: CallbackAsk,
	}, nil
}

// Ask emits the instruction for the session's current position. Calling it again without
// new input yields the same instruction and leaves the counters alone.
func (m *Machine) Ask(ctx context.Context, callID string) (Instruction, error) {
	return m.apply(ctx, callID, "Ask", func(s *models.CallSession) (step, error) {
		if s.Status.IsTerminal() {
			return step{}, ErrSessionClosed
		}
		if s.AwaitingConfirmation() {
			return m.confirmationStep(s, nil), nil
		}
		return m.advance(s, nil), nil
	})
}

// Transcribe handles the answer to the current question.
func (m *Machine) Transcribe(ctx context.Context, callID string, in Input) (Instruction, error) {
	if in.Empty() {
		return Instruction{}, ErrMissingInput
	}
	answer := in.Speech
	if answer == "" {
		answer = in.Digits
	}
	return m.apply(ctx, callID, "Transcribe", func(s *models.CallSession) (step, error) {
		if s.Status.IsTerminal() {
			return step{}, ErrSessionClosed
		}
		if s.AwaitingConfirmation() || s.QuestionIndex >= len(m.questions) {
			return step{}, ErrUnexpectedCallback
		}
		q := m.questions[s.QuestionIndex]
		value, ok := q.Extract(q.Prompt + " " + answer)
		var next step
		switch {
		case !ok:
			slog.Info("Machine.Transcribe: no value extracted", "call_id", s.CallID, "field", q.Field, "question_index", s.QuestionIndex)
			delete(s.Fields, q.Field)
			s.ErrorCount++
			next = m.advance(s, []string{TextApology})
		case q.RequiresConfirmation:
			s.Fields[q.Field] = value
			s.PendingConfirmation = q.Field
			next = m.confirmationStep(s, nil)
		default:
			slog.Debug("Machine.Transcribe: extracted", "call_id", s.CallID, "field", q.Field, "value", value)
			s.Fields[q.Field] = value
			s.QuestionIndex++
			next = m.advance(s, nil)
		}
		next.observe = func() { m.recorder.ExtractionResult(q.Field, ok) }
		return next, nil
	})
}

// Confirm handles the caller's yes/no to a confirmation prompt. A rejection or an
// unrecognized answer counts as an error and re-asks the original question.
func (m *Machine) Confirm(ctx context.Context, callID string, in Input) (Instruction, error) {
	if in.Empty() {
		return Instruction{}, ErrMissingInput
	}
	answer := in.Digits
	if answer == "" {
		answer = in.Speech
	}
	return m.apply(ctx, callID, "Confirm", func(s *models.CallSession) (step, error) {
		if s.Status.IsTerminal() {
			return step{}, ErrSessionClosed
		}
		if !s.AwaitingConfirmation() {
			return step{}, ErrUnexpectedCallback
		}
		result, _ := extraction.YesNo(answer)
		s.ConfirmationStatus = result
		field := s.PendingConfirmation
		s.PendingConfirmation = ""

		accepted := result == extraction.Yes
		if accepted {
			slog.Debug("Machine.Confirm: confirmed", "call_id", s.CallID, "field", field)
			s.QuestionIndex++
		} else {
			slog.Info("Machine.Confirm: not confirmed, asking again", "call_id", s.CallID, "field", field, "answer", answer)
			s.ErrorCount++
			delete(s.Fields, field)
		}
		next := m.advance(s, nil)
		next.observe = func() { m.recorder.ConfirmationResult(accepted) }
		return next, nil
	})
}

// Transfer returns the hold message and hands the caller to an agent.
func (m *Machine) Transfer(ctx context.Context, callID string) (Instruction, error) {
	s, err := m.sessions.Get(ctx, callID)
	if err != nil {
		return Instruction{}, fmt.Errorf("failed to load session %s: %w", callID, err)
	}
	if s == nil {
		return Instruction{}, store.ErrSessionNotFound
	}
	slog.Info("Machine.Transfer: transferring caller", "call_id", callID, "status", s.Status)
	return Instruction{
		CallID: callID,
		Speak:  []string{TextHold},
		Next:   StepTransfer,
	}, nil
}

// Hangup ends a call reported finished by the platform. An interview still in progress is
// marked abandoned inside the session update, so a concurrent final answer and a hangup
// cannot both record the call. The session is removed either way.
func (m *Machine) Hangup(ctx context.Context, callID, callStatus string) error {
	abandoned := false
	s, err := m.sessions.Update(ctx, callID, func(s *models.CallSession) error {
		abandoned = false
		if s.Status.IsTerminal() {
			return nil
		}
		s.Status = models.CallStatusAbandoned
		s.UpdatedAt = m.now()
		abandoned = true
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("failed to update session %s: %w", callID, err)
	}
	slog.Info("Machine.Hangup: call ended", "call_id", callID, "call_status", callStatus, "status", s.Status, "question_index", s.QuestionIndex)
	if abandoned {
		m.finish(ctx, s, models.OutcomeAbandoned)
	}
	if err := m.sessions.Delete(ctx, callID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", callID, err)
	}
	return nil
}

// apply runs fn as an atomic session update and handles the end of the interview once the
// update has committed.
func (m *Machine) apply(ctx context.Context, callID, op string, fn func(s *models.CallSession) (step, error)) (Instruction, error) {
	var result step
	session, err := m.sessions.Update(ctx, callID, func(s *models.CallSession) error {
		r, err := fn(s)
		if err != nil {
			return err
		}
		s.UpdatedAt = m.now()
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrUnexpectedCallback) {
			slog.Warn("Machine."+op+": rejected", "call_id", callID, "error", err)
			return Instruction{}, err
		}
		slog.Error("Machine."+op+": session update failed", "call_id", callID, "error", err)
		return Instruction{}, fmt.Errorf("%s failed for call %s: %w", op, callID, err)
	}
	slog.Debug("Machine."+op+": committed", "call_id", callID, "question_index", session.QuestionIndex,
		"error_count", session.ErrorCount, "status", session.Status, "next", result.instr.Next)
	if result.observe != nil {
		result.observe()
	}
	if result.outcome != "" {
		m.finish(ctx, session, result.outcome)
	}
	result.instr.CallID = callID
	return result.instr, nil
}

// advance decides what to say next from the session's position: escalate once the error
// ceiling is crossed, otherwise ask the current question or close the interview.
func (m *Machine) advance(s *models.CallSession, preamble []string) step {
	if s.ErrorCount > m.maxErrors {
		s.Status = models.CallStatusEscalated
		if s.QuestionIndex < len(m.questions) {
			s.Fields[m.questions[s.QuestionIndex].Field] = EscalationSentinel
		}
		slog.Info("Machine: error ceiling crossed, escalating", "call_id", s.CallID, "error_count", s.ErrorCount, "question_index", s.QuestionIndex)
		return step{
			instr: Instruction{
				Speak:    append(preamble, TextEscalation),
				Next:     StepRedirect,
				Redirect: CallbackTransfer,
			},
			outcome: models.OutcomeEscalated,
		}
	}

	if s.QuestionIndex < len(m.questions) {
		q := m.questions[s.QuestionIndex]
		return step{instr: Instruction{
			Speak: preamble,
			Next:  StepGather,
			Gather: &Gather{
				Prompt:    q.Prompt,
				Mode:      q.Input,
				MaxDigits: q.MaxDigits,
				Action:    CallbackTranscribe,
			},
		}}
	}

	s.Status = models.CallStatusCompleted
	slog.Info("Machine: interview completed", "call_id", s.CallID, "error_count", s.ErrorCount)
	return step{
		instr: Instruction{
			Speak: append(preamble, TextClosing),
			Next:  StepEnd,
		},
		outcome: models.OutcomeCompleted,
	}
}

func (m *Machine) confirmationStep(s *models.CallSession, preamble []string) step {
	q := m.questions[s.QuestionIndex]
	return step{instr: Instruction{
		Speak: preamble,
		Next:  StepGather,
		Gather: &Gather{
			Prompt:    fmt.Sprintf(q.ConfirmPrompt, s.Fields[s.PendingConfirmation]),
			Mode:      InputDTMFSpeech,
			MaxDigits: 1,
			Action:    CallbackConfirm,
		},
	}}
}

// finish persists the call record and queues an escalation notice. Failures are logged and
// never reach the caller.
func (m *Machine) finish(ctx context.Context, s models.CallSession, outcome models.CallOutcome) {
	m.recorder.CallFinished(outcome)
	record := models.NewCallRecord(s, outcome, m.now())
	if err := m.records.SaveCallRecord(ctx, record); err != nil {
		m.recorder.PersistFailed("record")
		slog.Error("Machine.finish: failed to save call record", "call_id", s.CallID, "outcome", outcome, "error", err)
	}

	if outcome != models.OutcomeEscalated || m.outbox == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		m.recorder.PersistFailed("outbox")
		slog.Error("Machine.finish: failed to encode escalation notice", "call_id", s.CallID, "error", err)
		return
	}
	id, err := m.outbox.EnqueueOutboxMessage(ctx, s.CallID, store.OutboxKindEscalation, string(payload), "escalation:"+s.CallID)
	if err != nil {
		m.recorder.PersistFailed("outbox")
		slog.Error("Machine.finish: failed to queue escalation notice", "call_id", s.CallID, "error", err)
		return
	}
	slog.Debug("Machine.finish: escalation notice queued", "call_id", s.CallID, "outbox_id", id)
}
