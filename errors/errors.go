package errors

import (
	"fmt"
	"io"
	"reflect"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a channel or record does not exist.
	ErrNotFound = Register(2, "not found")

	// ErrInvalidInput stands for general input problems, like a malformed
	// message or an unknown envelope kind.
	ErrInvalidInput = Register(3, "invalid input")

	// ErrInvalidKey is returned when key material is malformed.
	ErrInvalidKey = Register(4, "invalid key")

	// ErrInvalidSignature is returned when a signature does not verify or
	// cannot be evaluated.
	ErrInvalidSignature = Register(5, "invalid signature")

	// ErrStaleNonce is returned when a proposal nonce is not exactly one
	// above the canonical nonce.
	ErrStaleNonce = Register(6, "stale nonce")

	// ErrCapitalViolation is returned when balances do not add up to the
	// channel capital or one of them is negative.
	ErrCapitalViolation = Register(7, "capital violation")

	// ErrInsufficientBalance is returned when a payment would make the
	// payer balance negative.
	ErrInsufficientBalance = Register(8, "insufficient balance")

	// ErrProposalInFlight is returned when a local proposal for the channel
	// is still waiting for an answer.
	ErrProposalInFlight = Register(9, "proposal in flight")

	// ErrRaceLost is returned when another state was committed at the
	// proposal nonce first.
	ErrRaceLost = Register(10, "race lost")

	// ErrChannelClosed is returned for operations on a channel that is
	// closing or closed.
	ErrChannelClosed = Register(11, "channel closed")

	// ErrConflict is returned when an optimistic write finds an unexpected
	// stored version.
	ErrConflict = Register(12, "conflict")

	// ErrDeliveryUncertain is returned when the relay could not confirm
	// delivery of a message.
	ErrDeliveryUncertain = Register(13, "delivery uncertain")

	// ErrSettlementRejected is returned when the settlement layer refuses a
	// submitted state.
	ErrSettlementRejected = Register(14, "settlement rejected")

	// ErrUnavailable is returned when an external collaborator cannot be
	// reached.
	ErrUnavailable = Register(15, "unavailable")

	// ErrCorrupted is returned when persisted history violates a channel
	// invariant. Channels in this state are halted.
	ErrCorrupted = Register(16, "corrupted history")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current lifecycle phase.
	ErrInvalidState = Register(17, "invalid state")

	// ErrTimeout is returned when a pending proposal expires.
	ErrTimeout = Register(18, "timeout")

	// ErrDuplicate is returned when a record with the same key exists.
	ErrDuplicate = Register(19, "duplicate")

	// ErrUnauthorized is returned when a party is not a member of the
	// channel it addresses.
	ErrUnauthorized = Register(20, "unauthorized")

	// ErrDatabase is returned when the storage engine fails.
	ErrDatabase = Register(21, "database")

	// ErrCanceled is returned when a proposal was canceled before it left
	// the local process.
	ErrCanceled = Register(22, "canceled")

	// ErrPanic is only set when we recover from a panic.
	ErrPanic = Register(111222, "panic")
)

// Register declares a root error. Codes are unique and 1 is reserved for
// errors that wrap no root. Call it from package level var blocks only, it
// panics on a reused code.
func Register(code uint32, description string) *Error {
	if prev, ok := registry[code]; ok {
		panic(fmt.Sprintf("error code %d already used by %v", code, prev))
	}
	e := &Error{code: code, desc: description}
	registry[code] = e
	return e
}

var registry = map[uint32]*Error{
	internalCode: nil,
}

// Error is a registered root. Errors returned at runtime wrap exactly one of
// them, which is what Is matches and what Code reports to the counterparty.
type Error struct {
	code uint32
	desc string
}

func (e Error) Error() string {
	return e.desc
}

func (e Error) Code() uint32 {
	return e.code
}

// New is Wrap(e, description).
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

func (e *Error) Newf(format string, args ...interface{}) error {
	return Wrap(e, fmt.Sprintf(format, args...))
}

// Is reports whether err wraps e. A nil root matches nil errors, typed nil
// pointers included.
func (e *Error) Is(err error) bool {
	if e == nil {
		return err == nil || reflect.ValueOf(err).IsNil()
	}
	for err != nil {
		if err == e {
			return true
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return false
}

// Wrap prefixes err with description. The innermost wrap records the stack.
// Wrap(nil, ...) is nil.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}
	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}
	return &wrappedError{msg: description, parent: err}
}

func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.parent.Error()
}

func (e *wrappedError) Cause() error {
	return e.parent
}

// Unwrap lets the standard errors.Is and errors.As see the parent.
func (e *wrappedError) Unwrap() error {
	return e.parent
}

// Format prints the message for %s. %v appends the place the error was
// created and %+v prints the whole trace before the message.
func (e *wrappedError) Format(s fmt.State, verb rune) {
	if verb != 'v' {
		io.WriteString(s, e.Error())
		return
	}
	st := trimInternal(stackTrace(e))
	if s.Flag('+') {
		fmt.Fprintf(s, "%+v\n%s", st, e.Error())
		return
	}
	io.WriteString(s, e.Error())
	if len(st) > 0 {
		fmt.Fprintf(s, " [%s]", location(st[0]))
	}
}

// Recover turns a panic into ErrPanic. Use it with defer on a named error
// result.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

type causer interface {
	Cause() error
}

// stackTrace returns the outermost trace recorded in the chain of err.
func stackTrace(err error) errors.StackTrace {
	type tracer interface {
		StackTrace() errors.StackTrace
	}
	for err != nil {
		if t, ok := err.(tracer); ok {
			return t.StackTrace()
		}
		c, ok := err.(causer)
		if !ok {
			return nil
		}
		err = c.Cause()
	}
	return nil
}

// location formats a frame as path:line, the path cut after github.com/.
func location(f errors.Frame) string {
	pc := uintptr(f) - 1
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	file, line := fn.FileLine(pc)
	if i := strings.Index(file, "github.com/"); i >= 0 {
		file = file[i+len("github.com/"):]
	}
	return fmt.Sprintf("%s:%d", file, line)
}
