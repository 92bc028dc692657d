// Package resilience decides which failures are worth another attempt and
// retries those with exponential backoff.
package resilience

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// ClassifiedError pins the classification of the error it wraps, overriding
// whatever Classify would infer.
type ClassifiedError struct {
	Err   error
	Class Class
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewPermanentError marks err as not worth retrying.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Class: ClassPermanent}
}

// NewTransientError marks err as retryable, e.g. a per-attempt timeout that
// would otherwise look like a context error.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Class: ClassTransient}
}

// permanenter is implemented by errors that know their own classification.
type permanenter interface {
	Permanent() bool
}

// StatusError is a non-2xx HTTP response from an upstream.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Permanent reports whether repeating the request is pointless: any 4xx
// except 408 and 429.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Classify walks err's chain. The outermost explicit marker wins; context
// errors are permanent since the caller has given up.
func Classify(err error) Class {
	var marked *ClassifiedError
	if errors.As(err, &marked) {
		return marked.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	var p permanenter
	if errors.As(err, &p) {
		return classOf(p.Permanent())
	}
	return classOf(inferPermanent(err))
}

// IsPermanentError reports whether err should stop a retry loop.
func IsPermanentError(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

// IsTransientError reports whether err is worth another attempt.
func IsTransientError(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

func classOf(permanent bool) Class {
	if permanent {
		return ClassPermanent
	}
	return ClassTransient
}

func inferPermanent(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}

	// a bad certificate or an undecodable body will not fix itself
	var certErr *x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return true
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES, syscall.EPERM, syscall.ENOENT, syscall.ENOTDIR, syscall.EROFS:
			return true
		}
	}
	return false
}
