// Package twiliovoice adapts CallIntake to Twilio Programmable Voice.
//
// It renders flow instructions as TwiML, verifies webhook signatures and sends the
// escalation SMS to an on-call agent over the Twilio REST API.
package twiliovoice

import (
	"os"
	"strings"
)

// DefaultVoice is the text-to-speech voice used for every Say verb.
const DefaultVoice = "Google.en-US-Neural2-J"

// Opts holds configuration options for the Twilio voice integration.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string
	NotifyNumber string
	BaseURL      string
	Voice        string
	AgentNumber  string
}

// Option defines a configuration option for the Twilio voice integration.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID used for REST calls.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token used for REST calls and signature checks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the Twilio number escalation SMS are sent from.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithNotifyNumber sets the agent number that receives escalation SMS.
func WithNotifyNumber(to string) Option {
	return func(o *Opts) { o.NotifyNumber = to }
}

// WithBaseURL sets the public URL prefix for callback URLs. Empty yields relative URLs.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(base, "/") }
}

// WithVoice sets the Say voice.
func WithVoice(voice string) Option {
	return func(o *Opts) { o.Voice = voice }
}

// WithAgentNumber sets the number callers are dialed through to on transfer.
func WithAgentNumber(number string) Option {
	return func(o *Opts) { o.AgentNumber = number }
}

func buildOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	return cfg
}
