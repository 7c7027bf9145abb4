package messages

import "fmt"

// ProtocolError reports a malformed frame, an unknown message kind or a
// broken correlation invariant. It is connection-fatal: callers should not
// retry on it.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("proxylite: protocol error during %s: %s", e.Op, e.Reason)
}

// RemoteError carries a failure raised by the workflow or activity
// implementation on the proxy side. It is a normal business failure, not a
// protocol fault, and is distinct from every protocol-level error.
type RemoteError struct {
	Type    string
	Message string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("proxylite: remote error (%s): %s", e.Type, e.Message)
	}
	return fmt.Sprintf("proxylite: remote error: %s", e.Message)
}
