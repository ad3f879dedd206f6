package engine

import "errors"

var (
	// ErrValidation rejects malformed input before any state is touched.
	ErrValidation = errors.New("invalid request input")
	// ErrNotAuthorized rejects a response from a provider that is not (or
	// no longer) eligible for the round.
	ErrNotAuthorized = errors.New("provider not authorized for this request")
	// ErrRequestAlreadyHandled rejects late or duplicate responses once the
	// request has left the searching/collecting phase.
	ErrRequestAlreadyHandled = errors.New("request already handled")
)
