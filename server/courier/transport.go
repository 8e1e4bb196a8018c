package courier

// Connection is a live transport handle to a locally connected device. The
// transport framing itself (WebSocket or otherwise) lives outside this
// package; the delivery core only writes envelopes and closes.
type Connection interface {
	// WriteEnvelope hands an envelope to the device. An error means the
	// envelope was not delivered over this connection.
	WriteEnvelope(env *Envelope) error
	// Close terminates the connection with the given reason. Close must be
	// idempotent.
	Close(d Disconnect) error
}
