package twiliovoice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/BTreeMap/CallIntake/internal/store"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Notifier tells a human agent about an escalated call.
type Notifier interface {
	NotifyEscalation(ctx context.Context, rec models.CallRecord) error
}

// SMSNotifier sends escalation notices by SMS through the Twilio REST API.
type SMSNotifier struct {
	client *twilio.RestClient
	from   string
	to     string
}

// NewSMSNotifier creates an SMSNotifier. Account credentials and both numbers are required.
func NewSMSNotifier(opts ...Option) (*SMSNotifier, error) {
	cfg := buildOpts(opts)
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"NotifyNumber_set", cfg.NotifyNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" || cfg.NotifyNumber == "" {
		return nil, fmt.Errorf("from and notify numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &SMSNotifier{client: client, from: cfg.FromNumber, to: cfg.NotifyNumber}, nil
}

// NotifyEscalation sends the summary of rec to the agent.
func (n *SMSNotifier) NotifyEscalation(ctx context.Context, rec models.CallRecord) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.to)
	params.SetFrom(n.from)
	params.SetBody(EscalationSummary(rec))

	resp, err := n.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("SMSNotifier.NotifyEscalation failed", "call_id", rec.CallID, "error", err)
		return fmt.Errorf("failed to send escalation notice for %s: %w", rec.CallID, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("SMSNotifier.NotifyEscalation sent", "call_id", rec.CallID, "message_sid", *resp.Sid)
	}
	return nil
}

// EscalationSummary formats the SMS body for an escalated call.
func EscalationSummary(rec models.CallRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalated call %s after %d errors.", rec.CallID, rec.ErrorCount)
	for _, f := range models.AllFields {
		if v := rec.Value(f); v != "" {
			fmt.Fprintf(&b, "\n%s: %s", f, v)
		}
	}
	return b.String()
}

// OutboxSendFunc delivers escalation outbox messages through n. Messages of other kinds
// are dropped with a warning.
func OutboxSendFunc(n Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindEscalation {
			slog.Warn("twiliovoice.OutboxSendFunc: unsupported message kind", "id", msg.ID, "kind", msg.Kind)
			return nil
		}
		var rec models.CallRecord
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &rec); err != nil {
			return fmt.Errorf("failed to decode escalation notice %s: %w", msg.ID, err)
		}
		return n.NotifyEscalation(ctx, rec)
	}
}

// MockNotifier records escalation notices for tests.
type MockNotifier struct {
	mu   sync.Mutex
	Sent []models.CallRecord
	// Err is returned from every call when set.
	Err error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) NotifyEscalation(ctx context.Context, rec models.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, rec)
	return nil
}

// Notices returns a copy of the recorded notices.
func (m *MockNotifier) Notices() []models.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CallRecord, len(m.Sent))
	copy(out, m.Sent)
	return out
}
