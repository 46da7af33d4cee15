// Package resilience classifies pipeline failures so callers can tell a skipped
// source from a fatal condition without parsing log text.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Kind is the pipeline error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSourceUnavailable: rate-limited or disabled. Recoverable, source skipped.
	KindSourceUnavailable
	// KindFetchFailed: network or parse error on one source. Recoverable.
	KindFetchFailed
	// KindInsufficientData: no source returned anything. Surfaced to the caller.
	KindInsufficientData
	// KindValidation: impossible or anomalous values. Record still returned.
	KindValidation
	// KindConfiguration: malformed ontology or registry entry. Fatal at startup.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindFetchFailed:
		return "fetch_failed"
	case KindInsufficientData:
		return "insufficient_data"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrSourceUnavailable = eris.New("source unavailable")
	ErrFetchFailed       = eris.New("fetch failed")
	ErrInsufficientData  = eris.New("insufficient data")
	ErrValidation        = eris.New("validation failed")
	ErrConfiguration     = eris.New("configuration error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindSourceUnavailable:
		return ErrSourceUnavailable
	case KindFetchFailed:
		return ErrFetchFailed
	case KindInsufficientData:
		return ErrInsufficientData
	case KindValidation:
		return ErrValidation
	case KindConfiguration:
		return ErrConfiguration
	default:
		return nil
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Source != "" {
		b.WriteString(" [")
		b.WriteString(e.Source)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New builds a classified error.
func New(kind Kind, source string, err error) *Error {
	return &Error{Kind: kind, Source: source, Err: err}
}

// Configf builds a configuration error.
func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Err: eris.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, k := range []Kind{KindSourceUnavailable, KindFetchFailed, KindInsufficientData, KindValidation, KindConfiguration} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

// TransientError wraps an error that is safe to retry on a later cycle
// (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"context deadline exceeded",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// StatusError builds the error for a non-200 provider response, marking it
// transient when the status warrants.
func StatusError(provider string, statusCode int, body string) error {
	if len(body) > 200 {
		body = body[:200]
	}
	err := eris.Errorf("%s: unexpected status %d: %s", provider, statusCode, body)
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return err
}
