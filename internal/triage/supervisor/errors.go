package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

// Process exit codes for the run command.
const (
	ExitOK        = 0
	ExitError     = 1 // configuration or setup failure
	ExitRunFailed = 4
)

// TransportError is a failed engine call. The supervisor never retries it.
type TransportError struct {
	Phase telemetry.Phase
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine call failed during %s: %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ContractError means the output contract still had violations after every
// repair attempt was spent.
type ContractError struct {
	Mode     ContractMode
	Attempts int
	Issues   []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("output contract failed in %s mode after %d repair attempt(s): %s",
		e.Mode, e.Attempts, strings.Join(e.Issues, "; "))
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by Run or LoadConfig to a process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var te *TransportError
	var ke *ContractError
	if errors.As(err, &te) || errors.As(err, &ke) {
		return ExitRunFailed
	}
	return ExitError
}
