package courier

import "context"

// PushPriority selects the notification channel class at the push gateway.
type PushPriority int

const (
	PushPriorityStandard PushPriority = iota
	PushPriorityHigh
)

// PushSender delivers a push notification through one provider channel. Two
// senders are injected into the core: a standard one and a high-priority
// voice one; selection happens per device from its capability flags.
type PushSender interface {
	Send(ctx context.Context, token string, payload []byte, priority PushPriority) error
}

// PushTokens are a device's push capability flags as currently registered.
type PushTokens struct {
	// Voice is the high-priority channel token, preferred when set.
	Voice string
	// Standard is the regular notification channel token.
	Standard string
	// FetchesMessages marks devices that poll on their own schedule; no
	// push is sent to them at all.
	FetchesMessages bool
}

// Empty reports whether no push channel exists for the device.
func (t PushTokens) Empty() bool {
	return t.Voice == "" && t.Standard == ""
}

// TokenResolver resolves the current push tokens for an address from the
// device directory.
type TokenResolver interface {
	PushTokens(ctx context.Context, addr Address) (PushTokens, error)
}
