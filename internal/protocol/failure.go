package protocol

import (
	"fmt"

	"codeberg.org/mutker/sensusd/internal/errors"
)

// Stage names the step of a start or stop sequence a failure belongs to.
type Stage string

const (
	StageProbeStart  Stage = "probe-start"
	StageProbeStop   Stage = "probe-stop"
	StageLocalStart  Stage = "local-start"
	StageLocalStop   Stage = "local-stop"
	StageRemoteStart Stage = "remote-start"
	StageRemoteStop  Stage = "remote-stop"
)

// Fatal reports whether a failure in this stage aborts the start sequence.
// Probe failures never do, and stop failures never abort anything.
func (s Stage) Fatal() bool {
	return s == StageLocalStart || s == StageRemoteStart
}

// Failure is one reported start or stop failure.
type Failure struct {
	Stage   Stage
	Subject string
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Stage, f.Subject, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// StartError is returned by Start when the sequence aborts on a store
// failure.
type StartError struct {
	Protocol string
	Failure  Failure
}

func (e *StartError) Error() string {
	return fmt.Sprintf("protocol %s failed to start: %v", e.Protocol, e.Failure)
}

func (e *StartError) Unwrap() error {
	return e.Failure.Err
}

const (
	ErrNoProbesStarted = errors.ErrNoProbesStarted
	ErrAlreadyRunning  = errors.ErrAlreadyRunning
	ErrProtocolBusy    = errors.ErrProtocolBusy
	ErrInvalidState    = errors.ErrInvalidState
	ErrLocalStart      = errors.ErrLocalStart
	ErrLocalStop       = errors.ErrLocalStop
	ErrRemoteStart     = errors.ErrRemoteStart
	ErrRemoteStop      = errors.ErrRemoteStop
	ErrMissingStore    = errors.ErrorCode("protocol_missing_store")
	ErrComponentPanic  = errors.ErrorCode("protocol_component_panicked")
	ErrUnknownProbe    = errors.ErrorCode("protocol_unknown_probe")
	ErrDuplicateProbe  = errors.ErrorCode("protocol_duplicate_probe")
	ErrInvalidDef      = errors.ErrorCode("protocol_invalid_definition")
)
