package courier

// DispatchHandler receives pub/sub events for a single channel. At most one
// handler is registered per channel at a time; registering another evicts the
// current one.
//
// OnMessage and OnSubscribed run on the dispatcher's worker pool, in publish
// order for the channel. OnUnsubscribed runs synchronously inside the
// Subscribe/Unsubscribe call that displaced the handler, while the dispatcher
// holds its subscription table lock: implementations must not call back into
// the dispatcher from it.
type DispatchHandler interface {
	OnMessage(channel string, payload []byte)
	OnSubscribed(channel string)
	OnUnsubscribed(channel string)
}

// HandlerFuncs adapts plain functions to DispatchHandler. Nil fields are
// no-ops.
type HandlerFuncs struct {
	Message      func(channel string, payload []byte)
	Subscribed   func(channel string)
	Unsubscribed func(channel string)
}

func (h *HandlerFuncs) OnMessage(channel string, payload []byte) {
	if h.Message != nil {
		h.Message(channel, payload)
	}
}

func (h *HandlerFuncs) OnSubscribed(channel string) {
	if h.Subscribed != nil {
		h.Subscribed(channel)
	}
}

func (h *HandlerFuncs) OnUnsubscribed(channel string) {
	if h.Unsubscribed != nil {
		h.Unsubscribed(channel)
	}
}
