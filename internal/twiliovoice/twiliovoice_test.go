package twiliovoice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/BTreeMap/CallIntake/internal/flow"
	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/BTreeMap/CallIntake/internal/store"
)

type sayEl struct {
	Voice string `xml:"voice,attr"`
	Text  string `xml:",chardata"`
}

type gatherEl struct {
	Action      string  `xml:"action,attr"`
	Method      string  `xml:"method,attr"`
	Input       string  `xml:"input,attr"`
	NumDigits   string  `xml:"numDigits,attr"`
	SpeechModel string  `xml:"speechModel,attr"`
	Enhanced    string  `xml:"enhanced,attr"`
	Says        []sayEl `xml:"Say"`
}

type redirectEl struct {
	Method string `xml:"method,attr"`
	URL    string `xml:",chardata"`
}

type twimlDoc struct {
	XMLName  xml.Name    `xml:"Response"`
	Says     []sayEl     `xml:"Say"`
	Gather   *gatherEl   `xml:"Gather"`
	Redirect *redirectEl `xml:"Redirect"`
	Dial     *string     `xml:"Dial"`
	Hangup   *struct{}   `xml:"Hangup"`
}

func renderDoc(t *testing.T, r *Renderer, instr flow.Instruction) twimlDoc {
	t.Helper()
	out, err := r.Render(instr)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var doc twimlDoc
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("invalid TwiML %q: %v", out, err)
	}
	return doc
}

func TestRenderer_GreetingRedirect(t *testing.T) {
	r := NewRenderer(WithBaseURL("https://intake.example.com/"))
	doc := renderDoc(t, r, flow.Instruction{
		CallID:   "CA1",
		Speak:    []string{flow.TextGreeting},
		Next:     flow.StepRedirect,
		Redirect: flow.CallbackAsk,
	})

	if len(doc.Says) != 1 || doc.Says[0].Text != flow.TextGreeting || doc.Says[0].Voice != DefaultVoice {
		t.Errorf("unexpected Say verbs: %+v", doc.Says)
	}
	if doc.Redirect == nil || doc.Redirect.URL != "https://intake.example.com/voice/ask?CallSid=CA1" || doc.Redirect.Method != "POST" {
		t.Errorf("unexpected redirect: %+v", doc.Redirect)
	}
}

func TestRenderer_Gather(t *testing.T) {
	r := NewRenderer(WithVoice("Polly.Joanna"))
	doc := renderDoc(t, r, flow.Instruction{
		CallID: "CA1",
		Speak:  []string{flow.TextApology},
		Next:   flow.StepGather,
		Gather: &flow.Gather{
			Prompt:    "Say or use the keypad to enter your callback number?",
			Mode:      flow.InputDTMFSpeech,
			MaxDigits: 10,
			Action:    flow.CallbackTranscribe,
		},
	})

	if len(doc.Says) != 1 || doc.Says[0].Voice != "Polly.Joanna" {
		t.Errorf("expected apology before gather, got %+v", doc.Says)
	}
	g := doc.Gather
	if g == nil {
		t.Fatal("expected Gather verb")
	}
	if g.Action != "/voice/transcribe?CallSid=CA1" || g.Method != "POST" {
		t.Errorf("unexpected gather action: %+v", g)
	}
	if g.Input != "dtmf speech" || g.NumDigits != "10" || g.SpeechModel != "phone_call" || g.Enhanced != "true" {
		t.Errorf("unexpected gather attributes: %+v", g)
	}
	if len(g.Says) != 1 || !strings.Contains(g.Says[0].Text, "callback number") {
		t.Errorf("expected prompt nested in gather, got %+v", g.Says)
	}
}

func TestRenderer_FreeTextGathersSpeech(t *testing.T) {
	doc := renderDoc(t, NewRenderer(), flow.Instruction{
		CallID: "CA1",
		Next:   flow.StepGather,
		Gather: &flow.Gather{Prompt: "symptom?", Mode: flow.InputFreeText, Action: flow.CallbackTranscribe},
	})
	if doc.Gather == nil || doc.Gather.Input != "speech" || doc.Gather.NumDigits != "" {
		t.Errorf("unexpected free text gather: %+v", doc.Gather)
	}
}

func TestRenderer_TransferAndEnd(t *testing.T) {
	withAgent := NewRenderer(WithAgentNumber("+15550001111"))
	doc := renderDoc(t, withAgent, flow.Instruction{CallID: "CA1", Speak: []string{flow.TextHold}, Next: flow.StepTransfer})
	if doc.Dial == nil || strings.TrimSpace(*doc.Dial) != "+15550001111" {
		t.Errorf("expected Dial to agent, got %+v", doc.Dial)
	}

	doc = renderDoc(t, NewRenderer(), flow.Instruction{CallID: "CA1", Speak: []string{flow.TextHold}, Next: flow.StepTransfer})
	if doc.Dial != nil {
		t.Error("expected no Dial without an agent number")
	}

	doc = renderDoc(t, NewRenderer(), flow.Instruction{CallID: "CA1", Speak: []string{flow.TextClosing}, Next: flow.StepEnd})
	if doc.Hangup == nil || len(doc.Says) != 1 {
		t.Errorf("expected closing and hangup, got %+v", doc)
	}
}

func TestRenderer_Errors(t *testing.T) {
	r := NewRenderer()
	if _, err := r.Render(flow.Instruction{CallID: "CA1", Next: flow.StepGather}); err == nil {
		t.Error("expected error for gather without details")
	}
	if _, err := r.Render(flow.Instruction{CallID: "CA1", Next: "bogus"}); err == nil {
		t.Error("expected error for unknown step")
	}
}

func TestRenderer_CallbackURLEscapesCallID(t *testing.T) {
	r := NewRenderer(WithBaseURL("https://x.test"))
	if got := r.CallbackURL(flow.CallbackConfirm, "CA 1&2"); got != "https://x.test/voice/confirm?CallSid=CA+1%262" {
		t.Errorf("unexpected callback URL %q", got)
	}
}

func TestEmpty(t *testing.T) {
	var doc twimlDoc
	if err := xml.Unmarshal([]byte(Empty()), &doc); err != nil {
		t.Fatalf("Empty produced invalid TwiML: %v", err)
	}
}

// sign computes a Twilio request signature.
func sign(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureVerifier(t *testing.T) {
	const token = "test-auth-token"
	const base = "https://intake.example.com"
	v := NewSignatureVerifier(WithAuthToken(token), WithBaseURL(base))

	form := url.Values{"CallSid": {"CA1"}, "SpeechResult": {"yes"}}
	newReq := func(sig string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/voice/transcribe?CallSid=CA1", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		if err := req.ParseForm(); err != nil {
			t.Fatalf("ParseForm failed: %v", err)
		}
		return req
	}

	good := sign(token, base+"/voice/transcribe?CallSid=CA1", form)
	if !v.Verify(newReq(good)) {
		t.Error("expected valid signature to pass")
	}
	if v.Verify(newReq(sign("other-token", base+"/voice/transcribe?CallSid=CA1", form))) {
		t.Error("expected signature from another token to fail")
	}
	if v.Verify(newReq("")) {
		t.Error("expected missing signature to fail")
	}
}

func TestNewSMSNotifier_RequiresConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewSMSNotifier(WithNotifyNumber("+15550001111")); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewSMSNotifier(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550002222")); err == nil {
		t.Error("expected error without notify number")
	}
	n, err := NewSMSNotifier(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550002222"), WithNotifyNumber("+15550001111"))
	if err != nil || n == nil {
		t.Fatalf("expected notifier, got err %v", err)
	}
}

func TestEscalationSummary(t *testing.T) {
	rec := models.CallRecord{
		CallID:         "CA1",
		CallbackNumber: "(555) 123-4567",
		IsPatient:      flow.EscalationSentinel,
		ErrorCount:     3,
	}
	got := EscalationSummary(rec)
	for _, want := range []string{"CA1", "3 errors", "callback_number: (555) 123-4567", "is_patient: " + flow.EscalationSentinel} {
		if !strings.Contains(got, want) {
			t.Errorf("summary %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "gender") {
		t.Errorf("summary should omit empty fields: %q", got)
	}
}

func TestOutboxSendFunc(t *testing.T) {
	ctx := context.Background()
	mock := NewMockNotifier()
	send := OutboxSendFunc(mock)

	payload, _ := json.Marshal(models.CallRecord{CallID: "CA1", Outcome: models.OutcomeEscalated})
	if err := send(ctx, store.OutboxMessage{ID: "o1", Kind: store.OutboxKindEscalation, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if notices := mock.Notices(); len(notices) != 1 || notices[0].CallID != "CA1" {
		t.Errorf("unexpected notices: %+v", notices)
	}

	if err := send(ctx, store.OutboxMessage{ID: "o2", Kind: "other"}); err != nil {
		t.Errorf("unsupported kinds should be dropped, got %v", err)
	}
	if err := send(ctx, store.OutboxMessage{ID: "o3", Kind: store.OutboxKindEscalation, PayloadJSON: "{"}); err == nil {
		t.Error("expected decode error")
	}

	mock.Err = errors.New("provider down")
	if err := send(ctx, store.OutboxMessage{ID: "o4", Kind: store.OutboxKindEscalation, PayloadJSON: string(payload)}); err == nil {
		t.Error("expected notifier error to propagate for retry")
	}
}
