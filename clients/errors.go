package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNoProviders         = errors.New("at least one provider is required")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// ConfigurationError is returned before any dispatch when a provider config cannot be used
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("invalid config for provider %q: %s: %s", e.Provider, e.Field, e.Reason)
	case e.Provider != "":
		return fmt.Sprintf("invalid config for provider %q: %s", e.Provider, e.Reason)
	default:
		return fmt.Sprintf("invalid config: %s", e.Reason)
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// TransportErrorKind classifies a per-request failure
type TransportErrorKind string

const (
	KindTimeout     TransportErrorKind = "timeout"
	KindConnection  TransportErrorKind = "connection"
	KindStatus      TransportErrorKind = "status"
	KindMalformed   TransportErrorKind = "malformed"
	KindCircuitOpen TransportErrorKind = "circuit_open"
	KindCancelled   TransportErrorKind = "cancelled"
)

// TransportError is a per-request failure. It never aborts a batch.
type TransportError struct {
	Kind        TransportErrorKind
	ProviderKey string
	StatusCode  int
	Err         error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.ProviderKey, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.ProviderKey, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a *ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsTransportError reports whether err is or wraps a *TransportError
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// ClassifyNetworkError wraps a failed round trip into a TransportError of the right kind
func ClassifyNetworkError(providerKey string, err error) *TransportError {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr
	}

	kind := KindConnection
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}

	return &TransportError{Kind: kind, ProviderKey: providerKey, Err: err}
}
