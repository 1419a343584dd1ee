package probe

import "codeberg.org/mutker/sensusd/internal/errors"

const (
	ErrProbeStart     = errors.ErrProbeStart
	ErrProbeStop      = errors.ErrProbeStop
	ErrNotRunning     = errors.ErrNotRunning
	ErrUnknownType    = errors.ErrorCode("probe_unknown_type")
	ErrDuplicateType  = errors.ErrorCode("probe_duplicate_type")
	ErrInvalidSpec    = errors.ErrorCode("probe_invalid_spec")
	ErrSourcePanicked = errors.ErrorCode("probe_source_panicked")
	ErrStopIncomplete = errors.ErrorCode("probe_stop_incomplete")
)
