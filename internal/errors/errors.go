// Package errors provides standardized error codes for the sync client.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (stream, channel, api, auth)
//   - error: The specific error type within that domain
//
// Codes carry a retry class: transient errors are retried with backoff and
// never surfaced as fatal on first occurrence; terminal errors are surfaced
// once and the owning component stops itself.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error codes by domain.
const (
	// Stream domain - event-stream subscription errors
	CodeStreamConnectFailed = "stream.connect_failed" // Subscription request failed
	CodeStreamHTTPStatus    = "stream.http_status"    // Non-success HTTP status on subscribe
	CodeStreamReadFailed    = "stream.read_failed"    // Stream read interrupted mid-flight
	CodeStreamClosed        = "stream.closed"         // Server ended the stream cleanly

	// Channel domain - remote terminal channel errors
	CodeChannelConnectTimeout = "channel.connect_timeout" // Socket never reached open state
	CodeChannelDialFailed     = "channel.dial_failed"     // Socket dial failed
	CodeChannelNotOpen        = "channel.not_open"        // Send attempted while socket not open
	CodeChannelRetryExhausted = "channel.retry_exhausted" // Retry budget spent, channel gave up
	CodeChannelClosed         = "channel.closed"          // Remote closed with a terminal code

	// API domain - authoritative fetch errors
	CodeAPIRequestFailed = "api.request_failed" // Transport-level request failure
	CodeAPIServerError   = "api.server_error"   // 5xx from the server
	CodeAPIClientError   = "api.client_error"   // 4xx from the server
	CodeAPIDecodeFailed  = "api.decode_failed"  // Response body could not be decoded

	// Auth domain - device-authorization grant errors
	CodeAuthExpiredToken = "auth.expired_token" // Device code expired before approval
	CodeAuthAccessDenied = "auth.access_denied" // User declined the authorization
	CodeAuthFlowFailed   = "auth.flow_failed"   // Grant endpoints misbehaved

	// Token domain - persisted token store errors
	CodeTokenStoreOpenFailed  = "token.open_failed"  // Token database open failed
	CodeTokenStoreQueryFailed = "token.query_failed" // Token database query failed

	// General domain - catch-all errors
	CodeUnknown = "error.unknown" // Unknown error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "channel.not_open")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// transientCodes maps codes that are always retried with backoff.
var transientCodes = map[string]bool{
	CodeStreamConnectFailed:   true,
	CodeStreamHTTPStatus:      true,
	CodeStreamReadFailed:      true,
	CodeStreamClosed:          true,
	CodeChannelConnectTimeout: true,
	CodeChannelDialFailed:     true,
	CodeAPIRequestFailed:      true,
	CodeAPIServerError:        true,
}

// IsTransient reports whether the error belongs to the transient-network
// class: retried with backoff, never surfaced as fatal on first occurrence.
// Unrecognized errors default to transient so a new failure mode degrades to
// retry rather than killing a connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return transientCodes[coded.Code]
	}
	return true
}

// Common error constructors for frequently used error types.

// ChannelNotOpen creates a "channel.not_open" error.
// Sending on a channel that is not open is a caller bug, not a network
// condition, so this is surfaced synchronously rather than retried.
func ChannelNotOpen(channelID string) *CodedError {
	return New(CodeChannelNotOpen, fmt.Sprintf("channel %s is not open", channelID))
}

// RetryExhausted creates a "channel.retry_exhausted" error.
func RetryExhausted(channelID string, attempts uint) *CodedError {
	msg := fmt.Sprintf("channel %s gave up after %d reconnect attempts", channelID, attempts)
	return New(CodeChannelRetryExhausted, msg)
}

// ConnectTimeout creates a "channel.connect_timeout" error.
func ConnectTimeout(channelID string, timeout time.Duration) *CodedError {
	msg := fmt.Sprintf("channel %s did not open within %s", channelID, timeout)
	return New(CodeChannelConnectTimeout, msg)
}

// ServerError creates an "api.server_error" error for a 5xx response.
func ServerError(endpoint string, status int) *CodedError {
	return New(CodeAPIServerError, fmt.Sprintf("%s returned HTTP %d", endpoint, status))
}

// ClientError creates an "api.client_error" error for a 4xx response.
func ClientError(endpoint string, status int) *CodedError {
	return New(CodeAPIClientError, fmt.Sprintf("%s returned HTTP %d", endpoint, status))
}

// AuthTerminal maps a terminal device-grant error string to its coded form.
// Unknown grant errors become auth.flow_failed.
func AuthTerminal(grantError string) *CodedError {
	switch grantError {
	case "expired_token":
		return New(CodeAuthExpiredToken, "device code expired before authorization")
	case "access_denied":
		return New(CodeAuthAccessDenied, "authorization was denied")
	default:
		return New(CodeAuthFlowFailed, fmt.Sprintf("device grant failed: %s", grantError))
	}
}
