package courier

// Envelope is an encrypted message accepted for delivery. The dispatch layer
// treats Content as an opaque blob; only the router and the durable store
// look at the metadata.
type Envelope struct {
	Sender    string `json:"sender,omitempty"`
	Type      int32  `json:"type"`
	Timestamp int64  `json:"timestamp"`
	// Ephemeral envelopes are best-effort: they are never written to the
	// durable store and are dropped when no live connection exists.
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Content   []byte `json:"content,omitempty"`
}
