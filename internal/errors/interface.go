package errors

// ErrorCode represents a unique identifier for each error type
type ErrorCode string

// Error is a coded error. Two Errors match under errors.Is when their
// codes are equal, so a bare New(code) works as a sentinel for anything
// wrapped under that code.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
	Is(target error) bool
}

// Factory creates coded errors. Wrap keeps the cause reachable through
// Unwrap; WithData attaches a value rendered after the message.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
