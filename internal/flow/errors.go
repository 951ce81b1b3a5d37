package flow

import "errors"

var (
	// ErrMissingInput is returned when a callback carries neither speech nor digits.
	ErrMissingInput = errors.New("no speech or digits in callback")
	// ErrSessionClosed is returned for interview callbacks on an escalated or completed call.
	ErrSessionClosed = errors.New("call session is closed")
	// ErrUnexpectedCallback is returned when a callback does not match the session state,
	// such as a transcription while a confirmation is outstanding.
	ErrUnexpectedCallback = errors.New("callback does not match call state")
)
