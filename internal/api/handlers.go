package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CallIntake/internal/flow"
	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/BTreeMap/CallIntake/internal/store"
	"github.com/BTreeMap/CallIntake/internal/twiliovoice"
	"github.com/go-chi/chi/v5"
)

// voiceForm is the subset of Twilio webhook parameters CallIntake reads.
type voiceForm struct {
	CallSid      string `validate:"required,max=64"`
	SpeechResult string `validate:"max=2048"`
	Digits       string `validate:"max=32"`
	CallStatus   string `validate:"max=32"`
}

func readVoiceForm(r *http.Request) voiceForm {
	// FormValue prefers the POST body and falls back to the query string.
	return voiceForm{
		CallSid:      r.FormValue("CallSid"),
		SpeechResult: r.FormValue("SpeechResult"),
		Digits:       r.FormValue("Digits"),
		CallStatus:   r.FormValue("CallStatus"),
	}
}

func (f voiceForm) input() flow.Input {
	return flow.Input{Speech: f.SpeechResult, Digits: f.Digits}
}

type voiceFunc func(ctx context.Context, form voiceForm) (flow.Instruction, error)

func (s *Server) answer(ctx context.Context, form voiceForm) (flow.Instruction, error) {
	return s.calls.Start(ctx, form.CallSid)
}

func (s *Server) ask(ctx context.Context, form voiceForm) (flow.Instruction, error) {
	return s.calls.Ask(ctx, form.CallSid)
}

func (s *Server) transcribe(ctx context.Context, form voiceForm) (flow.Instruction, error) {
	return s.calls.Transcribe(ctx, form.CallSid, form.input())
}

func (s *Server) confirm(ctx context.Context, form voiceForm) (flow.Instruction, error) {
	return s.calls.Confirm(ctx, form.CallSid, form.input())
}

func (s *Server) transfer(ctx context.Context, form voiceForm) (flow.Instruction, error) {
	return s.calls.Transfer(ctx, form.CallSid)
}

// voiceHandler wraps a flow operation as a webhook that answers with TwiML.
func (s *Server) voiceHandler(callback string, fn voiceFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := s.serveVoice(w, r, callback, fn)
		if s.metrics != nil {
			s.metrics.ObserveWebhook(callback, status, time.Since(start))
		}
	}
}

func (s *Server) serveVoice(w http.ResponseWriter, r *http.Request, callback string, fn voiceFunc) int {
	form := readVoiceForm(r)
	if err := s.validate.Struct(form); err != nil {
		slog.Warn("Server.voiceHandler: invalid webhook payload", "callback", callback, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload: "+err.Error()))
		return http.StatusBadRequest
	}
	slog.Debug("Server.voiceHandler: webhook received", "callback", callback, "call_id", form.CallSid,
		"speech_set", form.SpeechResult != "", "digits_set", form.Digits != "")

	instr, err := fn(r.Context(), form)
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Server.voiceHandler: flow failed", "callback", callback, "call_id", form.CallSid, "error", err)
		}
		writeJSONResponse(w, status, models.Error(msg))
		return status
	}

	doc, err := s.renderer.Render(instr)
	if err != nil {
		slog.Error("Server.voiceHandler: render failed", "callback", callback, "call_id", form.CallSid, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to render response"))
		return http.StatusInternalServerError
	}
	writeTwiMLResponse(w, doc)
	return http.StatusOK
}

// statusHandler receives Twilio call status callbacks and ends finished calls.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := s.serveStatus(w, r)
	if s.metrics != nil {
		s.metrics.ObserveWebhook("status", status, time.Since(start))
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) int {
	form := readVoiceForm(r)
	if err := s.validate.Struct(form); err != nil {
		slog.Warn("Server.statusHandler: invalid webhook payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid webhook payload: "+err.Error()))
		return http.StatusBadRequest
	}
	if !isFinalCallStatus(form.CallStatus) {
		slog.Debug("Server.statusHandler: ignoring non-final status", "call_id", form.CallSid, "call_status", form.CallStatus)
		writeTwiMLResponse(w, twiliovoice.Empty())
		return http.StatusOK
	}
	if err := s.calls.Hangup(r.Context(), form.CallSid, form.CallStatus); err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Server.statusHandler: hangup failed", "call_id", form.CallSid, "error", err)
		}
		writeJSONResponse(w, status, models.Error(msg))
		return status
	}
	writeTwiMLResponse(w, twiliovoice.Empty())
	return http.StatusOK
}

// isFinalCallStatus reports whether Twilio's CallStatus means the call is over. An empty
// status is treated as final.
func isFinalCallStatus(status string) bool {
	switch status {
	case "", "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}

// errorStatus maps flow and store errors to an HTTP status and client message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, flow.ErrMissingInput):
		return http.StatusBadRequest, "No SpeechResult or Digits found"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "Unknown call"
	case errors.Is(err, flow.ErrSessionClosed):
		return http.StatusConflict, "Call interview already finished"
	case errors.Is(err, flow.ErrUnexpectedCallback):
		return http.StatusConflict, "Callback does not match call state"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) listCallsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.ListCallRecords(r.Context())
	if err != nil {
		slog.Error("Server.listCallsHandler: failed to list call records", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list call records"))
		return
	}
	if records == nil {
		records = []models.CallRecord{}
	}
	slog.Debug("Server.listCallsHandler: returning records", "count", len(records))
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callSid")
	rec, err := s.records.GetCallRecord(r.Context(), callID)
	if errors.Is(err, store.ErrRecordNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Call record not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getCallHandler: failed to load call record", "call_id", callID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load call record"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}
