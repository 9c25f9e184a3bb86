package session

import (
	"errors"
	"fmt"
)

// Failure classifies the fatal conditions that abort a session run. Every
// failure maps to exit status 1; ReleaseFailed is the one class that is only
// logged, never returned.
type Failure string

const (
	FailureDependencyMissing Failure = "DependencyMissing"
	FailureCredentialMissing Failure = "CredentialMissing"
	FailureTokenGeneration   Failure = "TokenGenerationFailed"
	FailureLaunch            Failure = "LaunchFailed"
	FailureTunnelSetup       Failure = "TunnelSetupFailed"
	FailureRelease           Failure = "ReleaseFailed"
)

type stageError struct {
	failure Failure
	err     error
}

func (e stageError) Error() string {
	return fmt.Sprintf("%s: %s", e.failure, e.err.Error())
}

func (e stageError) Unwrap() error {
	return e.err
}

func newStageError(failure Failure, err error) error {
	return stageError{failure: failure, err: err}
}

// FailureOf returns the failure class of a fatal session error.
func FailureOf(err error) (Failure, bool) {
	var se stageError
	if errors.As(err, &se) {
		return se.failure, true
	}
	return "", false
}
