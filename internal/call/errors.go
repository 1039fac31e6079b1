package call

import "errors"

var (
	// ErrInvalidState is returned when an operation is not valid from the
	// session's current state.
	ErrInvalidState = errors.New("call: invalid state")

	// ErrNoIncomingCall is returned by Accept and Reject when no incoming
	// call notice is pending for the conversation.
	ErrNoIncomingCall = errors.New("call: no incoming call")

	// ErrMediaUnavailable wraps capture failures (denied, missing device).
	ErrMediaUnavailable = errors.New("call: camera or microphone unavailable")

	// ErrSessionClosed is returned when the attempt was torn down while an
	// asynchronous step was in flight.
	ErrSessionClosed = errors.New("call: session closed")
)
