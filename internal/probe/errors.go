// internal/probe/errors.go
package probe

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure of an attempt wraps exactly one of these so the
// notifier can name its kind; match with errors.Is.
var (
	// ErrBrowserLaunch means the browser process could not be started.
	ErrBrowserLaunch = errors.New("browser launch failed")
	// ErrNavigation means the target was unreachable or never finished loading.
	ErrNavigation = errors.New("navigation failed")
	// ErrSelectorTimeout means an expected element never became visible, which
	// usually points at a markup change.
	ErrSelectorTimeout = errors.New("selector timeout")
	// ErrTokenTimeout means the anti-bot token field was never populated.
	ErrTokenTimeout = errors.New("token timeout")
	// ErrResponseTimeout means the submit was dispatched but no correlated
	// response was observed.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrSubmissionFailure means a correlated response was observed and the
	// classifier rejected it.
	ErrSubmissionFailure = errors.New("submission rejected")
	// ErrUnknown is the catch-all.
	ErrUnknown = errors.New("unexpected failure")
)

// kindNames maps each sentinel to the name printed in result lines.
var kindNames = []struct {
	err  error
	name string
}{
	{ErrBrowserLaunch, "LaunchError"},
	{ErrNavigation, "NavigationError"},
	{ErrSelectorTimeout, "SelectorTimeoutError"},
	{ErrTokenTimeout, "TokenTimeoutError"},
	{ErrResponseTimeout, "ResponseTimeoutError"},
	{ErrSubmissionFailure, "SubmissionFailure"},
	{ErrUnknown, "UnknownError"},
}

// KindOf names the taxonomy entry err belongs to. Errors outside the
// taxonomy are reported as UnknownError.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "UnknownError"
}

// StageError records which stage of the attempt was active when err occurred.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Kind returns the taxonomy name of the cause.
func (e *StageError) Kind() string {
	return KindOf(e.Err)
}

// classify attaches kind to err unless err already belongs to the taxonomy.
func classify(kind, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}
