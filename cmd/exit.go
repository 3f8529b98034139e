// File: cmd/exit.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/formcheck/internal/probe"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitFailed  = 1
	ExitError   = 2
	ExitConfig  = 3
)

// ErrConfig marks configuration and usage problems.
var ErrConfig = errors.New("configuration error")

// VerdictError is returned by the check command when the attempt did not succeed.
type VerdictError struct {
	Result probe.Result
}

func (e *VerdictError) Error() string {
	if e.Result.Message != "" {
		return fmt.Sprintf("form check %s: %s", e.Result.Verdict, e.Result.Message)
	}
	return fmt.Sprintf("form check %s", e.Result.Verdict)
}

// ExitCode maps the error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ve *VerdictError
	if errors.As(err, &ve) {
		if ve.Result.Verdict == probe.VerdictFailed {
			return ExitFailed
		}
		return ExitError
	}
	return ExitConfig
}
