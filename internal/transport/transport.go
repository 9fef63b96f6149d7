// Package transport defines the duplex MessageStream channel that
// carries wire records between one client and its Agent, plus two
// implementations: a WebSocket transport for real connections and an
// in-process transport for driving the Agent in tests.
package transport

import "context"

// MessageStream is a duplex, message-oriented channel to one client.
// Implementations deliver messages either pre-parsed (a map[string]any)
// or as text for the Agent to parse as JSON (a string).
type MessageStream interface {
	// Read blocks until the next message is available, ctx is canceled,
	// or the stream ends. It returns (nil, io.EOF)-equivalent via a
	// sentinel when the stream has ended gracefully; io errors are
	// returned as-is.
	Read(ctx context.Context) (any, error)

	// Write sends one message toward the client. Implementations must
	// tolerate being called after Close — whether to skip writes to an
	// already-closed Agent is the caller's job, but a transport-level
	// Write-after-close must not panic.
	Write(ctx context.Context, msg map[string]any) error

	// Close ends the stream. If err is non-nil it is signaled to the
	// client where the transport supports that. Close is safe to call
	// more than once.
	Close(err error) error
}
