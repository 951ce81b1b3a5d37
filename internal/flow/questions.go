package flow

import (
	"github.com/BTreeMap/CallIntake/internal/extraction"
	"github.com/BTreeMap/CallIntake/internal/models"
)

// InputMode is the kind of caller input a gather collects.
type InputMode string

const (
	// InputSpeech collects speech only.
	InputSpeech InputMode = "speech"
	// InputDTMFSpeech collects keypad digits or speech.
	InputDTMFSpeech InputMode = "dtmf speech"
	// InputFreeText collects an open-ended spoken answer.
	InputFreeText InputMode = "free_text"
)

// QuestionSpec describes one step of the interview.
type QuestionSpec struct {
	Field  models.Field
	Prompt string
	Input  InputMode
	// MaxDigits caps keypad entry; zero means no cap.
	MaxDigits int
	// Extract receives the prompt followed by the caller's answer.
	Extract              extraction.Extractor
	RequiresConfirmation bool
	// ConfirmPrompt is a format string with one %s for the extracted value.
	ConfirmPrompt string
}

const (
	promptCallbackNumber = "Say or use the keypad to enter your callback number?"
	promptIsPatient      = "Are you the patient?"
	promptDateOfBirth    = "Please directly say or use the key pad and provide your date of birth?"
	promptGender         = "Got it. Are you a biological male or female?"
	promptState          = "What state are you in right now?"
	promptSymptom        = "Perfect. In a few words, please tell me your main symptom or reason for the call today."
)

// Questions is the fixed interview sequence.
var Questions = []QuestionSpec{
	{
		Field:                models.FieldCallbackNumber,
		Prompt:               promptCallbackNumber,
		Input:                InputDTMFSpeech,
		MaxDigits:            10,
		Extract:              extraction.WithPrompt(promptCallbackNumber, extraction.CallbackNumber),
		RequiresConfirmation: true,
		ConfirmPrompt:        "You said your callback number is %s. Press one to confirm or two if incorrect?",
	},
	{
		Field:   models.FieldIsPatient,
		Prompt:  promptIsPatient,
		Input:   InputSpeech,
		Extract: extraction.WithPrompt(promptIsPatient, extraction.IsPatient),
	},
	{
		Field:   models.FieldDateOfBirth,
		Prompt:  promptDateOfBirth,
		Input:   InputDTMFSpeech,
		Extract: extraction.WithPrompt(promptDateOfBirth, extraction.DateOfBirth),
	},
	{
		Field:   models.FieldGender,
		Prompt:  promptGender,
		Input:   InputSpeech,
		Extract: extraction.WithPrompt(promptGender, extraction.Gender),
	},
	{
		Field:   models.FieldState,
		Prompt:  promptState,
		Input:   InputSpeech,
		Extract: extraction.WithPrompt(promptState, extraction.State),
	},
	{
		Field:   models.FieldSymptom,
		Prompt:  promptSymptom,
		Input:   InputFreeText,
		Extract: extraction.WithPrompt(promptSymptom, extraction.Symptom),
	},
}
