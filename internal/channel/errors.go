package channel

import (
	"errors"
	"fmt"
)

// ErrTransport matches every error caused by an unreachable or failing store.
var ErrTransport = errors.New("message store unavailable")

// TransportError wraps a store failure for a conversation.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s conversation %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport as a match so callers need not know the concrete type.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
