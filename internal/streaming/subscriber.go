package streaming

// Subscriber is anything that can receive frames for a stream it has joined.
// The Connection Hub's connections are the only real implementation; the
// interface lives here so the Stream State never depends on websocket or
// hub machinery, only on "can I hand you a Frame".
type Subscriber interface {
	// ID uniquely identifies this subscriber within a Stream State's
	// subscriber set.
	ID() string

	// Send delivers one frame. A non-nil error means the subscriber is
	// gone (closed connection, write failure) and must be dropped from the
	// Stream State.
	Send(frame Frame) error
}
