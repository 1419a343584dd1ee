package remote

import "codeberg.org/mutker/sensusd/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidEndpoint = errors.ErrorCode("remote_invalid_endpoint")

	ErrInvalidCompression = errors.ErrorCode("remote_invalid_compression")

	ErrNotRunning         = errors.ErrNotRunning
	ErrAlreadyRunning     = errors.ErrAlreadyRunning
	ErrMissingUpstream    = errors.ErrorCode("remote_missing_upstream")
	ErrUpstreamNotRunning = errors.ErrorCode("remote_upstream_not_running")

	ErrEncodeBatch  = errors.ErrorCode("remote_encode_batch_failed")
	ErrSendBatch    = errors.ErrorCode("remote_send_batch_failed")
	ErrRejected     = errors.ErrorCode("remote_batch_rejected")
	ErrStopTimedOut = errors.ErrTimeout
)
