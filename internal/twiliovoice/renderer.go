package twiliovoice

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/BTreeMap/CallIntake/internal/flow"
	"github.com/twilio/twilio-go/twiml"
)

// Renderer turns flow instructions into TwiML documents.
type Renderer struct {
	baseURL     string
	voice       string
	agentNumber string
}

// NewRenderer creates a Renderer.
func NewRenderer(opts ...Option) *Renderer {
	cfg := buildOpts(opts)
	slog.Debug("twiliovoice.NewRenderer", "baseURL", cfg.BaseURL, "voice", cfg.Voice, "agent_set", cfg.AgentNumber != "")
	return &Renderer{
		baseURL:     cfg.BaseURL,
		voice:       cfg.Voice,
		agentNumber: cfg.AgentNumber,
	}
}

// CallbackURL returns the webhook URL for cb, carrying the call ID in the query string.
func (r *Renderer) CallbackURL(cb flow.Callback, callID string) string {
	return r.baseURL + "/voice/" + string(cb) + "?CallSid=" + url.QueryEscape(callID)
}

func (r *Renderer) say(text string) *twiml.VoiceSay {
	return &twiml.VoiceSay{Message: text, Voice: r.voice}
}

// Render builds the TwiML response for instr.
func (r *Renderer) Render(instr flow.Instruction) (string, error) {
	var verbs []twiml.Element
	for _, text := range instr.Speak {
		if text != "" {
			verbs = append(verbs, r.say(text))
		}
	}

	switch instr.Next {
	case flow.StepGather:
		if instr.Gather == nil {
			return "", fmt.Errorf("gather step without gather details for call %s", instr.CallID)
		}
		verbs = append(verbs, r.gather(instr.CallID, *instr.Gather))
	case flow.StepRedirect:
		verbs = append(verbs, &twiml.VoiceRedirect{
			Url:    r.CallbackURL(instr.Redirect, instr.CallID),
			Method: "POST",
		})
	case flow.StepTransfer:
		if r.agentNumber != "" {
			verbs = append(verbs, &twiml.VoiceDial{Number: r.agentNumber})
		}
	case flow.StepEnd:
		verbs = append(verbs, &twiml.VoiceHangup{})
	default:
		return "", fmt.Errorf("unknown step %q for call %s", instr.Next, instr.CallID)
	}

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("failed to render TwiML for call %s: %w", instr.CallID, err)
	}
	return doc, nil
}

func (r *Renderer) gather(callID string, g flow.Gather) *twiml.VoiceGather {
	input := string(g.Mode)
	if g.Mode == flow.InputFreeText {
		input = string(flow.InputSpeech)
	}
	verb := &twiml.VoiceGather{
		Action:      r.CallbackURL(g.Action, callID),
		Method:      "POST",
		Input:       input,
		SpeechModel: "phone_call",
		OptionalAttributes: map[string]string{
			"enhanced": "true",
		},
	}
	if g.MaxDigits > 0 {
		verb.NumDigits = strconv.Itoa(g.MaxDigits)
	}
	if g.Prompt != "" {
		verb.InnerElements = []twiml.Element{r.say(g.Prompt)}
	}
	return verb
}

// Empty returns a TwiML document with no verbs.
func Empty() string {
	doc, err := twiml.Voice(nil)
	if err != nil {
		return `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	}
	return doc
}
