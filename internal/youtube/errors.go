package youtube

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies probe failures for the poller's retry policy.
type ErrorKind int

const (
	// KindTransient covers failures expected to resolve on their own:
	// network errors, rate limiting, upstream 5xx.
	KindTransient ErrorKind = iota
	// KindFatal covers failures that retries cannot fix: rejected
	// credentials, malformed or unknown channel identifiers.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// ProbeError wraps an upstream failure with its retry classification.
type ProbeError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func transientErr(op string, err error) error {
	return &ProbeError{Kind: KindTransient, Op: op, Err: err}
}

func fatalErr(op string, err error) error {
	return &ProbeError{Kind: KindFatal, Op: op, Err: err}
}

// IsFatal reports whether err is a probe failure that retrying cannot fix.
func IsFatal(err error) bool {
	var pe *ProbeError
	return errors.As(err, &pe) && pe.Kind == KindFatal
}

// classifyRequestErr maps transport-level failures to transient. Context
// cancellation is passed through so shutdown is not misreported as an
// upstream outage.
func classifyRequestErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return transientErr(op, err)
}

func classifyStatus(op string, code int) error {
	switch {
	case code == 401 || code == 403:
		return fatalErr(op, fmt.Errorf("credentials rejected (status %d)", code))
	case code == 400 || code == 404:
		return fatalErr(op, fmt.Errorf("channel not found or malformed (status %d)", code))
	case code == 429:
		return transientErr(op, fmt.Errorf("rate limited (status %d)", code))
	case code >= 500:
		return transientErr(op, fmt.Errorf("upstream error (status %d)", code))
	default:
		return transientErr(op, fmt.Errorf("unexpected status %d", code))
	}
}
