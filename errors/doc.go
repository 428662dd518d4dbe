/*
Package errors implements the error taxonomy shared by every paychan component.

Each failure kind is a root error registered once with a unique numeric code
using Register. Runtime errors are created from a root error with New, Newf or
by wrapping an existing error with Wrap or Wrapf, so callers can always test
the kind of a failure with the root's Is method:

	if errors.ErrRaceLost.Is(err) {
		// re-derive the proposal from the fresh canonical state
	}

Codes travel over the relay inside rejection messages. Use Code to extract the
code of an error and FromCode to map a received code back to its root error.

The kinds fall into the classes of the protocol's error handling design:
validation failures (IsValidation) are surfaced to the caller and never retried
automatically, while retryable failures (IsRetryable) require the caller to
re-read the Channel Store before trying again.

Stacktraces are attached at the point of creation. Please create errors with
ErrXyz.New("...") or errors.Wrap(err, "...") where the failure happens and not
as package level variables, or the recorded stacktrace is useless.

	%s is just the error message
	%+v is the full stack trace
	%v appends a compressed [filename:line] where the error was created
*/
package errors
