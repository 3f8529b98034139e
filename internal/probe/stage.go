// internal/probe/stage.go
package probe

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage is one state of an attempt. Each non-terminal stage names the work
// being done while in it, so a failure is attributed to whatever stage the
// attempt was in when it happened.
type Stage int

const (
	StageIdle Stage = iota
	StageLaunching
	StageNavigating
	StageAwaitingForm
	StageFormReady
	StageTokenGate
	StageTimingGate
	StageSubmitting
	StageResponseAwaited
	StageClassified
	StageNotifying
	StageDone
	StageErrored
)

var stageLabels = map[Stage]string{
	StageIdle:            "idle",
	StageLaunching:       "launch browser",
	StageNavigating:      "navigate",
	StageAwaitingForm:    "wait form",
	StageFormReady:       "fill form",
	StageTokenGate:       "wait token",
	StageTimingGate:      "wait fill time",
	StageSubmitting:      "submit",
	StageResponseAwaited: "wait submission response",
	StageClassified:      "classify",
	StageNotifying:       "notify",
	StageDone:            "done",
	StageErrored:         "error",
}

// String returns the label used in result lines.
func (s Stage) String() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// nextStage is the happy path. Every stage before StageNotifying may also move to
// StageErrored, and StageErrored moves on to StageNotifying so failures are reported.
var nextStage = map[Stage]Stage{
	StageIdle:            StageLaunching,
	StageLaunching:       StageNavigating,
	StageNavigating:      StageAwaitingForm,
	StageAwaitingForm:    StageFormReady,
	StageFormReady:       StageTokenGate,
	StageTokenGate:       StageTimingGate,
	StageTimingGate:      StageSubmitting,
	StageSubmitting:      StageResponseAwaited,
	StageResponseAwaited: StageClassified,
	StageClassified:      StageNotifying,
	StageErrored:         StageNotifying,
	StageNotifying:       StageDone,
}

// ErrIllegalTransition is returned when the attempt is asked to skip or repeat a stage.
var ErrIllegalTransition = errors.New("illegal stage transition")

// Transition is one recorded stage change.
type Transition struct {
	From Stage
	To   Stage
	At   time.Time
}

// Attempt tracks the stage machine of one submission attempt.
type Attempt struct {
	ID        string
	StartedAt time.Time

	now func() time.Time

	mu      sync.Mutex
	stage   Stage
	failed  Stage
	history []Transition
}

// NewAttempt starts an attempt in StageIdle.
func NewAttempt(now func() time.Time) *Attempt {
	if now == nil {
		now = time.Now
	}
	return &Attempt{
		ID:        uuid.New().String(),
		StartedAt: now(),
		now:       now,
		stage:     StageIdle,
	}
}

// Stage returns the current stage.
func (a *Attempt) Stage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

// FailedStage returns the stage that was active when the attempt errored,
// or StageIdle if it has not errored.
func (a *Attempt) FailedStage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

// History returns a copy of the recorded transitions.
func (a *Attempt) History() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Transition, len(a.history))
	copy(out, a.history)
	return out
}

// Advance moves to the given stage if it directly follows the current one.
func (a *Attempt) Advance(to Stage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if next, ok := nextStage[a.stage]; !ok || next != to {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, a.stage, to)
	}
	a.record(to)
	return nil
}

// Fail moves the attempt to StageErrored and wraps err with the stage that was
// active. An err that already carries a stage keeps it.
func (a *Attempt) Fail(err error) *StageError {
	a.mu.Lock()
	defer a.mu.Unlock()

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: a.stage, Err: err}
	}
	if a.stage < StageNotifying {
		a.failed = se.Stage
		a.record(StageErrored)
	}
	return se
}

// record appends a transition. Caller holds a.mu.
func (a *Attempt) record(to Stage) {
	a.history = append(a.history, Transition{From: a.stage, To: to, At: a.now()})
	a.stage = to
}
