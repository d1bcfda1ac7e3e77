package apm

import (
	"errors"
	"fmt"
)

// Status is a control-plane result code. Numeric values follow the AR result
// code space so responses from remote endpoints can be carried unchanged.
type Status uint32

const (
	StatusOK          Status = 0
	StatusFailed      Status = 1
	StatusBadParam    Status = 2
	StatusUnsupported Status = 3
	StatusUnexpected  Status = 5
	StatusNoResource  Status = 7
	StatusAlready     Status = 9
	StatusNotReady    Status = 10
	StatusPending     Status = 11
	StatusBusy        Status = 12
	StatusNotExist    Status = 19
	StatusTerminated  Status = 20
)

var statusNames = map[Status]string{
	StatusOK:          "ok",
	StatusFailed:      "failed",
	StatusBadParam:    "bad_param",
	StatusUnsupported: "unsupported",
	StatusUnexpected:  "unexpected",
	StatusNoResource:  "no_resource",
	StatusAlready:     "already",
	StatusNotReady:    "not_ready",
	StatusPending:     "pending",
	StatusBusy:        "busy",
	StatusNotExist:    "not_exist",
	StatusTerminated:  "terminated",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

func ParseStatus(name string) (Status, bool) {
	for st, n := range statusNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}

func (s Status) Error() string {
	return "apm: status " + s.String()
}

// Err returns nil for StatusOK and the status itself otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return s
}

// StatusOf maps an error to a Status. Errors that carry no Status map to
// StatusFailed.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusFailed
}

// foldStatus aggregates one more result into agg. The first non-OK result
// wins; a later non-OK result with a different code collapses to StatusFailed.
func foldStatus(agg, next Status) Status {
	if next == StatusOK {
		return agg
	}
	if agg == StatusOK {
		return next
	}
	if agg != next {
		return StatusFailed
	}
	return agg
}

// codedError attaches a Status to a sentinel error chain.
type codedError struct {
	status Status
	err    error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() []error { return []error{e.err, e.status} }

func withStatus(status Status, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{status: status, err: err}
}
