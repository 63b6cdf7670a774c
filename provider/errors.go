package provider

import (
	"errors"
	"fmt"
)

// AuthError means the channel's credentials were rejected (401/403).
// Non-retryable; the channel needs re-authentication.
type AuthError struct {
	ChannelID string
	Detail    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for channel %s: %s", e.ChannelID, e.Detail)
}

// NotFoundError means the external id does not exist on the channel (404).
// Non-retryable.
type NotFoundError struct {
	ExternalID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("external product %s not found", e.ExternalID)
}

// ValidationError means the channel rejected the request as malformed (400).
// Non-retryable.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Detail
}

// RateLimitError means the channel throttled us (429). Retryable.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

// ServerError means the channel failed internally (5xx). Retryable.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("channel server error (%d): %s", e.StatusCode, e.Detail)
}

// NotConnectedError means the provider has no usable connection or credentials.
// Non-retryable; surfaces as a channel_disconnected alert.
type NotConnectedError struct {
	ChannelID string
	Reason    string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("channel %s not connected: %s", e.ChannelID, e.Reason)
}

// Retryable classifies an error per the engine's policy: transient network
// failures, rate limits, timeouts and 5xx retry; auth, not-found, validation
// and not-connected do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var authErr *AuthError
	var nfErr *NotFoundError
	var valErr *ValidationError
	var ncErr *NotConnectedError
	if errors.As(err, &authErr) || errors.As(err, &nfErr) || errors.As(err, &valErr) || errors.As(err, &ncErr) {
		return false
	}

	// Rate limits, 5xx, timeouts, and anything unclassified (assumed transient
	// network failure) retry.
	return true
}

// IsDisconnect reports whether an error should raise a channel_disconnected
// alert rather than a sync_error.
func IsDisconnect(err error) bool {
	var authErr *AuthError
	var ncErr *NotConnectedError
	return errors.As(err, &authErr) || errors.As(err, &ncErr)
}
