package deployment

import "errors"

// ErrForbidden is returned when a caller's AccessScope does not cover the
// requested deployment's owner.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidInput covers a referenced agent version that does not exist or
// does not belong to the referenced agent.
var ErrInvalidInput = errors.New("invalid input")

// ErrIllegalTransition is returned when a caller attempts to move a
// deployment between states that are not adjacent in the state machine.
var ErrIllegalTransition = errors.New("illegal deployment state transition")
