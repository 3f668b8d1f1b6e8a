// Package fault defines the closed error taxonomy used across the Prestance
// server: typed error kinds, retryability classification, HTTP status
// mapping, and the stable serialized error envelope sent to clients.
//
// All errors crossing a package boundary inside the server should be a
// [*Error] (or wrap one) so that transports can classify them uniformly.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one member of the closed error taxonomy.
type Kind string

const (
	SessionNotFound         Kind = "SESSION_NOT_FOUND"
	SessionExpired          Kind = "SESSION_EXPIRED"
	InvalidSessionState     Kind = "INVALID_SESSION_STATE"
	AudioFormatError        Kind = "AUDIO_FORMAT_ERROR"
	AudioTooLarge           Kind = "AUDIO_TOO_LARGE"
	AudioQualityError       Kind = "AUDIO_QUALITY_ERROR"
	AudioBufferError        Kind = "AUDIO_BUFFER_ERROR"
	LLMUnavailable          Kind = "LLM_UNAVAILABLE"
	LLMQuotaExceeded        Kind = "LLM_QUOTA_EXCEEDED"
	LLMTimeout              Kind = "LLM_TIMEOUT"
	LLMResponseInvalid      Kind = "LLM_RESPONSE_INVALID"
	PipelineTimeout         Kind = "PIPELINE_TIMEOUT"
	PipelineConfigError     Kind = "PIPELINE_CONFIG_ERROR"
	PipelineResourceError   Kind = "PIPELINE_RESOURCE_ERROR"
	ChannelMessageError     Kind = "CHANNEL_MESSAGE_ERROR"
	StorageUnavailable      Kind = "STORAGE_UNAVAILABLE"
	StorageCapacityExceeded Kind = "STORAGE_CAPACITY_EXCEEDED"
	DataIntegrity           Kind = "DATA_INTEGRITY"
	ValidationError         Kind = "VALIDATION_ERROR"
	ConfigurationError      Kind = "CONFIGURATION_ERROR"
	RateLimitExceeded       Kind = "RATE_LIMIT_EXCEEDED"
	ServiceUnavailable      Kind = "SERVICE_UNAVAILABLE"
)

// retryable is the designated set of kinds a caller may retry with backoff.
var retryable = map[Kind]bool{
	LLMTimeout:            true,
	LLMUnavailable:        true,
	ChannelMessageError:   true,
	StorageUnavailable:    true,
	ServiceUnavailable:    true,
	PipelineResourceError: true,
}

// Retryable reports whether k is in the designated retryable set.
func (k Kind) Retryable() bool {
	return retryable[k]
}

// httpStatus maps each kind to the HTTP-style status carried in envelopes.
var httpStatus = map[Kind]int{
	SessionNotFound:         http.StatusNotFound,
	SessionExpired:          http.StatusGone,
	InvalidSessionState:     http.StatusConflict,
	AudioFormatError:        http.StatusBadRequest,
	AudioTooLarge:           http.StatusRequestEntityTooLarge,
	AudioQualityError:       http.StatusUnprocessableEntity,
	AudioBufferError:        http.StatusInternalServerError,
	LLMUnavailable:          http.StatusBadGateway,
	LLMQuotaExceeded:        http.StatusTooManyRequests,
	LLMTimeout:              http.StatusGatewayTimeout,
	LLMResponseInvalid:      http.StatusBadGateway,
	PipelineTimeout:         http.StatusGatewayTimeout,
	PipelineConfigError:     http.StatusBadRequest,
	PipelineResourceError:   http.StatusServiceUnavailable,
	ChannelMessageError:     http.StatusBadRequest,
	StorageUnavailable:      http.StatusServiceUnavailable,
	StorageCapacityExceeded: http.StatusInsufficientStorage,
	DataIntegrity:           http.StatusInternalServerError,
	ValidationError:         http.StatusBadRequest,
	ConfigurationError:      http.StatusInternalServerError,
	RateLimitExceeded:       http.StatusTooManyRequests,
	ServiceUnavailable:      http.StatusServiceUnavailable,
}

// Status returns the HTTP-style status code for k. Unknown kinds map to 500.
func (k Kind) Status() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a classified server error. It carries everything the transports
// need to build a client-facing envelope without inspecting the cause chain.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	Timestamp time.Time

	// cause is the wrapped underlying error, if any.
	cause error
}

// New creates an [*Error] of the given kind with a human-readable message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Newf creates an [*Error] with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an [*Error] of the given kind wrapping cause. The cause is
// preserved for errors.Is / errors.As but never serialized to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithDetail returns e with the detail key set. The receiver is mutated and
// returned to allow chaining at construction sites.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the error's kind is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Envelope is the stable serialized error shape. The field set and names are
// part of the wire contract and must not change.
type Envelope struct {
	Error     bool           `json:"error"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Status    int            `json:"status"`
	Details   map[string]any `json:"details"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
}

// Envelope builds the client-facing error envelope for e.
func (e *Error) Envelope() Envelope {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return Envelope{
		Error:     true,
		Code:      string(e.Kind),
		Message:   e.Message,
		Status:    e.Kind.Status(),
		Details:   details,
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Type:      "error",
	}
}

// MarshalEnvelope serializes e's envelope to JSON.
func (e *Error) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(e.Envelope())
}

// As extracts a [*Error] from err's chain. When err is not classified, a
// ServiceUnavailable error wrapping err is returned so callers always get a
// well-formed envelope.
func As(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(ServiceUnavailable, "internal error", err)
}

// IsKind reports whether err's chain contains a [*Error] of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether err's chain contains a retryable [*Error].
// Unclassified errors are not retryable.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// FromUpstreamStatus normalizes an upstream HTTP status into the taxonomy.
// Client-bound authorization failures are deliberately not propagated: an
// upstream 401/403 means our credentials are bad, which from the client's
// perspective is a service outage.
func FromUpstreamStatus(service string, status int) *Error {
	var e *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = Newf(ServiceUnavailable, "%s rejected server credentials", service).
			WithDetail("unauthorized", true)
	case status == http.StatusNotFound:
		e = Newf(ServiceUnavailable, "%s endpoint not found", service)
	case status == http.StatusTooManyRequests:
		e = Newf(RateLimitExceeded, "%s rate limit exceeded", service)
	case status >= 500:
		e = Newf(ServiceUnavailable, "%s returned %d", service, status)
	default:
		e = Newf(ValidationError, "%s rejected request with %d", service, status)
	}
	return e.WithDetail("upstream_status", status).WithDetail("service", service)
}
