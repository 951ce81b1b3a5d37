package flow

// Callback names a webhook the voice platform calls next.
type Callback string

const (
	CallbackAsk        Callback = "ask"
	CallbackTranscribe Callback = "transcribe"
	CallbackConfirm    Callback = "confirm"
	CallbackTransfer   Callback = "transfer"
)

// StepKind is what the platform does after speaking.
type StepKind string

const (
	// StepEnd hangs up once speech finishes.
	StepEnd StepKind = "end"
	// StepGather plays a prompt and collects input.
	StepGather StepKind = "gather"
	// StepRedirect fetches the next instruction from another callback.
	StepRedirect StepKind = "redirect"
	// StepTransfer hands the caller to a human agent.
	StepTransfer StepKind = "transfer"
)

// Gather describes an input collection step.
type Gather struct {
	Prompt    string
	Mode      InputMode
	MaxDigits int
	Action    Callback
}

// Instruction is the platform-neutral result of a state transition.
type Instruction struct {
	CallID string
	// Speak is played in order before Next.
	Speak    []string
	Next     StepKind
	Gather   *Gather
	Redirect Callback
}

// Input is what the platform heard on a gather callback.
type Input struct {
	Speech string
	Digits string
}

// Empty reports whether neither speech nor digits were received.
func (in Input) Empty() bool {
	return in.Speech == "" && in.Digits == ""
}

// Spoken texts.
const (
	TextGreeting   = "Hello, let's collect some information to expedite your call."
	TextApology    = "Sorry I didn't catch that."
	TextEscalation = "There seems to be some issues. Please hold while we transfer you to an agent."
	TextClosing    = "Thank you for your responses, you will now be transferred to an agent. Goodbye!"
	TextHold       = "Please hold while we transfer you to an agent."
	// EscalationSentinel replaces the value of the question being asked when a call escalates.
	EscalationSentinel = "Call issue: too many errors"
)
