package provider

import (
	"errors"
	"fmt"
)

// Failure reasons carried by GenerationError. A safety block is surfaced as
// its own reason so callers can distinguish it from a generic failure.
type Reason string

const (
	ReasonHTTPStatus    Reason = "http_status"
	ReasonSafetyBlocked Reason = "safety_blocked"
	ReasonEmptyResponse Reason = "empty_response"
	ReasonNoCredential  Reason = "no_credential"
	ReasonTransport     Reason = "transport"
)

var (
	// ErrNoCredential is returned when a backend that requires a credential
	// is invoked without one.
	ErrNoCredential = errors.New("no credential configured")

	// ErrStreamingUnsupported is returned by the Registry when the active
	// adapter does not implement StreamingProvider.
	ErrStreamingUnsupported = errors.New("active provider does not support streaming")

	// ErrNoActiveProvider is returned when generation is requested with no
	// active adapter.
	ErrNoActiveProvider = errors.New("no active provider")
)

// GenerationError is the single failure shape adapters return from Generate.
type GenerationError struct {
	Provider string
	Reason   Reason
	Status   int
	Message  string
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: generation failed (%s, HTTP %d): %s", e.Provider, e.Reason, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: generation failed (%s): %s", e.Provider, e.Reason, e.Message)
}

// IsSafetyBlocked reports whether err is a GenerationError caused by the
// backend's own content policy.
func IsSafetyBlocked(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Reason == ReasonSafetyBlocked
}
