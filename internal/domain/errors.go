package domain

import (
	"errors"
	"fmt"
)

// Category sentinels for the domain layer.
var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrLimitReached      = fmt.Errorf("limit reached")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrProviderError     = fmt.Errorf("provider error")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrNotConfigured     = fmt.Errorf("not configured")
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrCallNotFound      = fmt.Errorf("call not found")
	ErrOracleUnavailable = fmt.Errorf("navigator oracle unavailable")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
)

// FailureReason is the typed terminal failure reported to the results sink.
type FailureReason string

const (
	FailureMaxUncertain FailureReason = "max_uncertain_exceeded"
	FailureMenuRetries  FailureReason = "max_menu_retries"
	FailureInfoRetries  FailureReason = "max_info_retries"
	FailureIVRTimeout   FailureReason = "ivr_timeout"
	FailureAgentError   FailureReason = "agent_error"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "StateMachine.Transition")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may
// succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderError) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeLimitReached      ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeNotConfigured     ErrorCode = "NOT_CONFIGURED"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeCallNotFound      ErrorCode = "CALL_NOT_FOUND"
	CodeOracleUnavailable ErrorCode = "ORACLE_UNAVAILABLE"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrTimeout:           CodeTimeout,
	ErrLimitReached:      CodeLimitReached,
	ErrInvalidInput:      CodeInvalidInput,
	ErrProviderError:     CodeProviderError,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrNotConfigured:     CodeNotConfigured,
	ErrInvalidTransition: CodeInvalidTransition,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrCallNotFound:      CodeCallNotFound,
	ErrOracleUnavailable: CodeOracleUnavailable,
	ErrConfigLoad:        CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable code for the given error,
// unwrapping DomainError and walking the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
