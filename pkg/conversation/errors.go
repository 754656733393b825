package conversation

import "errors"

// ErrForbidden is returned when a caller's AccessScope does not cover the
// requested conversation's owner.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidInput covers an empty message body or a malformed on_behalf_of
// header.
var ErrInvalidInput = errors.New("invalid input")

// ErrNoRunningDeployment is returned when a turn is posted against a
// conversation whose agent has no deployment in status=running.
var ErrNoRunningDeployment = errors.New("agent has no running deployment")
