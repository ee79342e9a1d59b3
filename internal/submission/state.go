package submission

import (
	"fmt"

	"github.com/dharsanguruparan/FormDrop/internal/model"
	"github.com/dharsanguruparan/FormDrop/internal/validation"
)

// State is a step of the submission pipeline.
type State int

const (
	StateStart State = iota
	StateCSRFChecked
	StateFieldsPrepared
	StateValidatedFields
	StateCaptchaVerified
	StatePersisted
	StateAttachmentsLinked
	StateNotificationsSent
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	"start", "csrf_checked", "fields_prepared", "validated_fields", "captcha_verified",
	"persisted", "attachments_linked", "notifications_sent", "completed", "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ErrorKind classifies an aborted submission.
type ErrorKind string

const (
	ErrCSRF                 ErrorKind = "csrf"
	ErrValidation           ErrorKind = "validation"
	ErrCaptcha              ErrorKind = "captcha"
	ErrRejected             ErrorKind = "rejected"
	ErrPersistence          ErrorKind = "persistence"
	ErrAttachmentResolution ErrorKind = "attachment_resolution"
)

// Abort stops the pipeline. It carries everything needed to answer the
// client.
type Abort struct {
	Kind    ErrorKind
	Status  int
	Message string
	Outcome *validation.Outcome
	Err     error
}

func (a *Abort) Error() string {
	if a.Err != nil {
		return fmt.Sprintf("%s: %s: %v", a.Kind, a.Message, a.Err)
	}
	return fmt.Sprintf("%s: %s", a.Kind, a.Message)
}

func (a *Abort) Unwrap() error {
	return a.Err
}

// Warning codes reported to operators, never to submitters.
const (
	WarnRecaptchaMisconfigured = "recaptcha_misconfigured"
)

// Result is the outcome of one submission.
type Result struct {
	// State is StateCompleted or StateAborted.
	State State
	// Reached is the last state entered before completion or abort.
	Reached State
	Abort   *Abort
	Status  int
	Record  *model.Record

	Redirect string
	// Target is the DOM selector the Flash fragment replaces.
	Target string
	Flash  string
	// FieldErrors holds per-field messages for inline display.
	FieldErrors map[string][]string
	// ErrorFields lists failing fields when inline mode is "variable".
	ErrorFields []string
	Messages    []string
	Warnings    []string
}

// Completed reports whether the submission went through.
func (r *Result) Completed() bool {
	return r.State == StateCompleted
}
