// internal/probe/result.go
package probe

import (
	"time"

	"github.com/xkilldash9x/formcheck/internal/config"
)

// Verdict is the terminal state of an attempt.
type Verdict string

const (
	VerdictSuccess Verdict = "SUCCESS"
	VerdictFailed  Verdict = "FAILED"
	VerdictError   Verdict = "ERROR"
)

// FormSession describes the form the attempt worked against.
type FormSession struct {
	BaseURL    string
	FormURL    string
	ActionPath string
	Fields     []config.FieldConfig
	// HoneypotPresent is true when the honeypot selector matched an element.
	HoneypotPresent bool
}

// VerificationGate is the state of the two anti-automation preconditions.
type VerificationGate struct {
	TokenLen    int
	FillElapsed time.Duration
	MinFill     time.Duration
}

// TokenReady reports whether the token field has been populated.
func (g VerificationGate) TokenReady() bool {
	return g.TokenLen > 0
}

// Open reports whether both gates allow the submit.
func (g VerificationGate) Open() bool {
	return g.TokenReady() && g.FillElapsed >= g.MinFill
}

// Diagnostics is the context captured when an attempt errors.
type Diagnostics struct {
	PageURL string
	// TokenLen is the token field length at failure time, -1 when it could not be read.
	TokenLen        int
	FailedRequests  []string
	ConsoleMessages []string
}

// Result is the finalized, read-only record of one attempt. It is built once
// and passed by value; slices inside it are never modified afterwards.
type Result struct {
	AttemptID   string
	Verdict     Verdict
	StartedAt   time.Time
	SubmittedAt time.Time
	FinishedAt  time.Time

	Form FormSession
	Gate VerificationGate

	// Status is 0 when no correlated response was observed.
	Status   int
	Location string

	// Stage is the label of the failing stage, set for ERROR only.
	Stage string
	// Kind is the taxonomy name, set for ERROR and FAILED.
	Kind    string
	Message string
	Err     error

	Diagnostics Diagnostics
}

// HasResponse reports whether a correlated response was observed.
func (r Result) HasResponse() bool {
	return r.Status > 0
}

// Duration is the wall time of the whole attempt.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
