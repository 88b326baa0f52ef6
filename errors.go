package offload

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotInitialized      = errors.New("offload: gateway not initialized")
	ErrQuotaExceeded       = errors.New("offload: quota exceeded")
	ErrInvalidRequest      = errors.New("offload: invalid request")
	ErrRateLimited         = errors.New("offload: rate limited by provider")
	ErrAuthFailed          = errors.New("offload: authentication failed")
	ErrProviderUnavailable = errors.New("offload: provider unavailable")
	ErrEmptyResponse       = errors.New("offload: empty response from provider")
	ErrLedgerLocked        = errors.New("offload: ledger is locked by another process")
)

// QuotaError reports a request refused by the quota gate.
type QuotaError struct {
	Kind      RequestType // empty when the refusal did not come through an Offloader
	Remaining int64
	Requested int64
}

func (e *QuotaError) Error() string {
	switch {
	case e.Kind == RequestBatch:
		return fmt.Sprintf("offload: quota exceeded: batch needs %d prompts but only %d remain (short by %d)",
			e.Requested, e.Remaining, e.Shortfall())
	case e.Requested <= 1:
		return "offload: quota exceeded: no prompts remaining in the current window"
	default:
		return fmt.Sprintf("offload: quota exceeded: %d prompts requested but only %d remain (short by %d)",
			e.Requested, e.Remaining, e.Shortfall())
	}
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// Shortfall returns how many prompts the request is over the remaining quota.
func (e *QuotaError) Shortfall() int64 {
	if e.Requested < e.Remaining {
		return 0
	}
	return e.Requested - e.Remaining
}

// GatewayError wraps an error with gateway context.
type GatewayError struct {
	Err      error
	Provider string
	Model    string
	Status   int
	Detail   string
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("offload: provider=%s model=%s", e.Provider, e.Model)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", msg, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Error codes returned by ErrorCode.
const (
	CodeNotInitialized      = "not_initialized"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeInvalidRequest      = "invalid_request"
	CodeRateLimited         = "rate_limited"
	CodeAuthFailed          = "auth_failed"
	CodeProviderUnavailable = "provider_unavailable"
	CodeLedger              = "ledger_error"
	CodeInternal            = "internal"
)

// ErrorCode maps an error to a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrEmptyResponse):
		return CodeProviderUnavailable
	case errors.Is(err, ErrLedgerLocked), errors.As(err, new(*LedgerError)):
		return CodeLedger
	default:
		return CodeInternal
	}
}

// LedgerError wraps a failed ledger operation.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("offload: ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}
