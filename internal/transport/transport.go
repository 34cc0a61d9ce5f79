// Package transport defines the boundary the delivery core crosses into
// network I/O. The core never implements a wire protocol itself; it hands
// a payload to a session and treats any failure as "recipient offline".
package transport

import "context"

type Transport interface {
	// Send pushes payload to the identified transport session. A nil error
	// means the session accepted the payload; any error (including an
	// unknown or superseded connectionID) leaves the message queued.
	Send(ctx context.Context, connectionID string, payload []byte) error
}
