package twiliovoice

import (
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// SignatureVerifier checks that webhook requests were signed by Twilio.
type SignatureVerifier struct {
	validator client.RequestValidator
	baseURL   string
}

// NewSignatureVerifier creates a verifier for the account's auth token. Signatures are
// computed over the public URL, so the base URL Twilio was configured with is required.
func NewSignatureVerifier(opts ...Option) *SignatureVerifier {
	cfg := buildOpts(opts)
	return &SignatureVerifier{
		validator: client.NewRequestValidator(cfg.AuthToken),
		baseURL:   cfg.BaseURL,
	}
}

// Verify reports whether r carries a valid signature. The form must already be parsed.
func (v *SignatureVerifier) Verify(r *http.Request) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		slog.Warn("SignatureVerifier.Verify: missing signature", "path", r.URL.Path)
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	fullURL := v.baseURL + r.URL.RequestURI()
	ok := v.validator.Validate(fullURL, params, sig)
	if !ok {
		slog.Warn("SignatureVerifier.Verify: signature mismatch", "url", fullURL)
	}
	return ok
}
