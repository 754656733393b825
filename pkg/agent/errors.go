package agent

import "errors"

// ErrAgentArchived is returned when a caller attempts to write a new
// version onto an agent that has already been archived.
var ErrAgentArchived = errors.New("agent is archived")
