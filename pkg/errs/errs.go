// Package errs defines the error taxonomy shared by the parser, the
// download pipeline and the session layer. Every error produced by
// harmony-dl wraps exactly one of the sentinel values below so callers can
// classify failures with errors.Is regardless of how much context was added
// on the way up.
package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Standard error variables, one per failure category.
var (
	// Parsing
	ErrStructure   = errors.New("malformed document structure")
	ErrConversion  = errors.New("field conversion failed")
	ErrCardinality = errors.New("unexpected number of plates")
	ErrIncomplete  = errors.New("document is missing required sections")

	// Download pipeline
	ErrRetrieval         = errors.New("image retrieval failed")
	ErrDecode            = errors.New("image decode failed")
	ErrDimensionMismatch = errors.New("plane dimensions differ within stack")
	ErrIO                = errors.New("output write failed")

	// Session
	ErrState = errors.New("operation not available in current state")
)

// Structuref returns a structural parse error with a formatted message.
func Structuref(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStructure, fmt.Sprintf(format, args...))
}

// Statef returns a state error with a formatted message.
func Statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// ConversionError reports a record field whose text does not parse as the
// type the record requires.
type ConversionError struct {
	Record string // record kind, e.g. "Image"
	Field  string
	Type   string // e.g. "u16", "f64"
	Value  string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("parsing %s: field <%s> value %q as %s: %v", e.Record, e.Field, e.Value, e.Type, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConversion) match.
func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

// IncompleteError names the document pieces that were never produced.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("missing components in XML file: %s", strings.Join(e.Missing, ", "))
}

func (e *IncompleteError) Is(target error) bool { return target == ErrIncomplete }

// DimensionMismatchError reports a plane whose size differs from the
// planes already accumulated for its stack.
type DimensionMismatchError struct {
	Source     string
	WantWidth  int
	WantHeight int
	GotWidth   int
	GotHeight  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("plane <%s> is %dx%d, stack is %dx%d",
		e.Source, e.GotWidth, e.GotHeight, e.WantWidth, e.WantHeight)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// Kind returns a short label for the category err belongs to. It is used
// as a metrics label and in manifest records.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStructure):
		return "structure"
	case errors.Is(err, ErrConversion):
		return "conversion"
	case errors.Is(err, ErrCardinality):
		return "cardinality"
	case errors.Is(err, ErrIncomplete):
		return "incomplete"
	case errors.Is(err, ErrRetrieval):
		return "retrieval"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

// IsTransient reports whether a retrieval failure is worth retrying.
// Timeouts and dropped or refused connections are. Errors that implement
// Transient() bool decide for themselves. Anything marked permanent is
// not, and neither is any other failure http.Client.Do reports, such as a
// certificate or redirect error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Timeout() || isConnectionError(ue.Err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if isConnectionError(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection reset", "connection refused"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type transient interface {
	Transient() bool
}

func isConnectionError(err error) bool {
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return dns.IsTimeout || dns.IsTemporary
	}
	for _, target := range []error{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.EPIPE,
		io.EOF, io.ErrUnexpectedEOF,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so IsTransient reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
