package blockstore

import (
	"github.com/cockroachdb/errors"
)

// ErrorKind classifies the failure modes an operation can terminate with.
// The core never returns a bare error for client-triggered failures: it
// always reports one of these kinds so that callers (and tests) can branch
// on cause rather than string matching.
type ErrorKind int

const (
	// ErrInvalidArgument covers bad alignment, a version going backwards,
	// an unknown opcode, or any other malformed request.
	ErrInvalidArgument ErrorKind = iota
	// ErrNotFound is returned by Stabilize/Rollback for a version that does
	// not exist in either index.
	ErrNotFound
	// ErrBusy is returned by Stabilize when the targeted version has not
	// reached the Synced state yet.
	ErrBusy
	// ErrOutOfSpace is returned when the allocator is empty and the flusher
	// is not actively reclaiming space.
	ErrOutOfSpace
	// ErrIOFailure marks a fatal I/O error. Per the design, in-memory state
	// is assumed corrupted after any write failure; the engine that
	// observes this should abort rather than attempt to continue.
	ErrIOFailure
	// ErrCorruptOnDisk is returned by Open when the journal superblock is
	// invalid. A CRC mismatch or broken chain found later in journal replay
	// is not returned: recovery truncates replay at that point and logs it.
	ErrCorruptOnDisk
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrNotFound:
		return "not found"
	case ErrBusy:
		return "busy"
	case ErrOutOfSpace:
		return "out of space"
	case ErrIOFailure:
		return "io failure"
	case ErrCorruptOnDisk:
		return "corrupt on disk"
	}
	return "unknown"
}

// opError wraps an ErrorKind with context, compatible with errors.Is/As via
// the embedded kind.
type opError struct {
	kind ErrorKind
	msg  string
	wrap error
}

func (e *opError) Error() string {
	if e.wrap != nil {
		return e.msg + ": " + e.wrap.Error()
	}
	return e.msg
}

func (e *opError) Unwrap() error { return e.wrap }

// Is makes errors.Is(err, ErrIsBusy) (etc.) work by comparing against a
// sentinel *opError carrying the same kind and no message, see the Err*
// vars below.
func (e *opError) Is(target error) bool {
	t, ok := target.(*opError)
	return ok && t.kind == e.kind
}

func newError(kind ErrorKind, msg string) error {
	return &opError{kind: kind, msg: msg}
}

func wrapError(kind ErrorKind, msg string, cause error) error {
	return &opError{kind: kind, msg: msg, wrap: cause}
}

// Kind extracts the ErrorKind carried by err, if any was attached by this
// package. ok is false for errors that did not originate here.
func Kind(err error) (kind ErrorKind, ok bool) {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.kind, true
	}
	return 0, false
}

// Sentinel values usable with errors.Is.
var (
	ErrIsInvalidArgument = &opError{kind: ErrInvalidArgument}
	ErrIsNotFound        = &opError{kind: ErrNotFound}
	ErrIsBusy            = &opError{kind: ErrBusy}
	ErrIsOutOfSpace      = &opError{kind: ErrOutOfSpace}
	ErrIsIOFailure       = &opError{kind: ErrIOFailure}
	ErrIsCorruptOnDisk   = &opError{kind: ErrCorruptOnDisk}
)
