package courier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome is what a delivery caller observes. Wire and cluster errors never
// surface here; they are absorbed, retried or logged inside the core.
type Outcome int

const (
	// OutcomeDelivered means the envelope reached a live connection, local
	// or on another process.
	OutcomeDelivered Outcome = iota
	// OutcomeQueued means the envelope went to the durable store with no
	// push dispatched.
	OutcomeQueued
	// OutcomeQueuedWithPush means the envelope went to the durable store
	// and a push notification was dispatched.
	OutcomeQueuedWithPush
	// OutcomeDropped means an online-only envelope found no live connection
	// and was discarded, by design.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeQueued:
		return "queued"
	case OutcomeQueuedWithPush:
		return "queued+push"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type RouterConfig struct {
	// NodeID is this process's identifier in presence entries.
	NodeID       string
	Hub          *Hub
	Dispatcher   *Dispatcher
	Presence     PresenceManager
	Store        DurableStore
	Tokens       TokenResolver
	StandardPush PushSender
	VoicePush    PushSender
	Scheduler    *FallbackScheduler
	// TokenCache, when set, is invalidated for an address on connect: a
	// device that just (re)connected may have re-registered its tokens.
	TokenCache *TokenCache
	// FallbackDelay is how long after a push the fallback obligation comes
	// due. Zero value means 1 * time.Minute.
	FallbackDelay time.Duration
	Logger        *logrus.Entry
}

// DeliveryRouter decides, per envelope, between in-process delivery, foreign
// handoff through the dispatcher, and queue-plus-push. It also owns the
// connection lifecycle on this process: claiming presence, displacing prior
// connections and disarming fallback obligations.
type DeliveryRouter struct {
	config RouterConfig
	log    *logrus.Entry

	handlersMu sync.Mutex
	handlers   map[Address]*connectionHandler
}

func NewDeliveryRouter(config RouterConfig) (*DeliveryRouter, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("router: empty node id")
	}
	if config.Hub == nil || config.Dispatcher == nil || config.Presence == nil || config.Store == nil {
		return nil, fmt.Errorf("router: hub, dispatcher, presence and store are required")
	}
	if config.FallbackDelay == 0 {
		config.FallbackDelay = time.Minute
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DeliveryRouter{
		config:   config,
		log:      config.Logger,
		handlers: make(map[Address]*connectionHandler),
	}, nil
}

// Deliver routes one envelope to addr. With onlineOnly set no durable write
// occurs anywhere: delivery is best-effort to a live connection. Ephemeral
// envelopes are always treated that way regardless of the flag.
func (r *DeliveryRouter) Deliver(ctx context.Context, addr Address, env *Envelope, onlineOnly bool) (Outcome, error) {
	if env.Ephemeral {
		onlineOnly = true
	}
	owner, present, err := r.config.Presence.Lookup(addr)
	if err != nil {
		// Degrade to absent: falling back to store+push is safe, risking a
		// lost in-process handoff is not.
		r.log.WithError(err).WithField("address", addr.String()).Warn("presence lookup failed, treating as absent")
		present = false
	}

	if present && owner == r.config.NodeID {
		if conn, ok := r.config.Hub.Get(addr); ok {
			if err := conn.WriteEnvelope(env); err == nil {
				return OutcomeDelivered, nil
			}
			r.log.WithError(err).WithField("address", addr.String()).Warn("local write failed")
		}
		// Stale presence entry; fall through to offline handling.
	} else if present {
		data, err := encodeDeliverFrame(env)
		if err != nil {
			return 0, err
		}
		pubErr := r.config.Dispatcher.Publish(addr.Channel(), data)
		if pubErr == nil {
			// The owning process performs local delivery on receipt.
			return OutcomeDelivered, nil
		}
		r.log.WithError(pubErr).WithField("address", addr.String()).Warn("foreign handoff failed")
	}

	if onlineOnly {
		return OutcomeDropped, nil
	}
	if _, err := r.config.Store.Insert(ctx, addr, env); err != nil {
		return 0, err
	}
	if r.sendInitialPush(ctx, addr) {
		if r.config.Scheduler != nil {
			if err := r.config.Scheduler.Schedule(addr, time.Now().Add(r.config.FallbackDelay)); err != nil {
				r.log.WithError(err).WithField("address", addr.String()).Warn("fallback obligation not armed")
			}
		}
		return OutcomeQueuedWithPush, nil
	}
	return OutcomeQueued, nil
}

// sendInitialPush picks a push channel from the device's capability flags:
// voice first, then standard, then nothing for devices that poll. It reports
// whether a push channel exists; send errors are logged and non-fatal since
// the envelope is already durable and the obligation will retry.
func (r *DeliveryRouter) sendInitialPush(ctx context.Context, addr Address) bool {
	if r.config.Tokens == nil {
		return false
	}
	tokens, err := r.config.Tokens.PushTokens(ctx, addr)
	if err != nil {
		r.log.WithError(err).WithField("address", addr.String()).Warn("push token lookup failed")
		return false
	}
	if tokens.FetchesMessages {
		return false
	}
	var (
		sender   PushSender
		token    string
		priority PushPriority
	)
	switch {
	case tokens.Voice != "" && r.config.VoicePush != nil:
		sender, token, priority = r.config.VoicePush, tokens.Voice, PushPriorityHigh
	case tokens.Standard != "" && r.config.StandardPush != nil:
		sender, token, priority = r.config.StandardPush, tokens.Standard, PushPriorityStandard
	default:
		return false
	}
	if err := sender.Send(ctx, token, encodePushPayload(addr, "message"), priority); err != nil {
		r.log.WithError(err).WithField("address", addr.String()).Warn("push send failed")
	}
	return true
}

// HandleConnect registers a new local connection for addr: any prior owner is
// displaced first (closed directly when local, via a displacement frame when
// foreign), then presence is claimed, the address channel subscribed and any
// armed fallback obligation disarmed.
func (r *DeliveryRouter) HandleConnect(addr Address, conn Connection) error {
	owner, present, err := r.config.Presence.Lookup(addr)
	if err != nil {
		r.log.WithError(err).WithField("address", addr.String()).Warn("presence lookup failed during connect")
		present = false
	}
	if present && owner != r.config.NodeID {
		data, err := encodeDisplacedFrame()
		if err == nil {
			if err := r.config.Dispatcher.Publish(addr.Channel(), data); err != nil {
				r.log.WithError(err).WithField("address", addr.String()).Warn("displacement publish failed")
			}
		}
	}
	// Local displacement: Hub.Add closes the prior connection itself.
	r.config.Hub.Add(addr, conn)

	if err := r.config.Presence.Claim(addr, r.config.NodeID); err != nil {
		// The connection still works locally; foreign processes will treat
		// the address as absent and queue, which is the safe degradation.
		r.log.WithError(err).WithField("address", addr.String()).Warn("presence claim failed")
	}

	handler := &connectionHandler{router: r, addr: addr, conn: conn}
	r.handlersMu.Lock()
	r.handlers[addr] = handler
	r.handlersMu.Unlock()
	if err := r.config.Dispatcher.Subscribe(addr.Channel(), handler); err != nil {
		return err
	}

	if r.config.Scheduler != nil {
		if err := r.config.Scheduler.Cancel(addr); err != nil {
			r.log.WithError(err).WithField("address", addr.String()).Warn("obligation cancel failed")
		}
	}
	if r.config.TokenCache != nil {
		r.config.TokenCache.Invalidate(addr)
	}
	return nil
}

// HandleDisconnect tears down a local connection's registration. A stale
// disconnect for a connection that has already been replaced is a no-op.
func (r *DeliveryRouter) HandleDisconnect(addr Address, conn Connection) {
	r.handlersMu.Lock()
	handler, ok := r.handlers[addr]
	if !ok || handler.conn != conn {
		r.handlersMu.Unlock()
		return
	}
	delete(r.handlers, addr)
	r.handlersMu.Unlock()

	r.config.Hub.Remove(addr, conn)
	r.config.Dispatcher.Unsubscribe(addr.Channel(), handler)
	if err := r.config.Presence.Release(addr, r.config.NodeID); err != nil {
		r.log.WithError(err).WithField("address", addr.String()).Warn("presence release failed")
	}
}

// releaseAll tears down every local registration at shutdown: channels are
// unsubscribed and presence entries released (owner-checked) so foreign
// deliveries queue for the device instead of publishing to a channel nobody
// reads anymore.
func (r *DeliveryRouter) releaseAll() {
	r.handlersMu.Lock()
	handlers := r.handlers
	r.handlers = make(map[Address]*connectionHandler)
	r.handlersMu.Unlock()

	for addr, handler := range handlers {
		r.config.Dispatcher.Unsubscribe(addr.Channel(), handler)
		if err := r.config.Presence.Release(addr, r.config.NodeID); err != nil {
			r.log.WithError(err).WithField("address", addr.String()).Warn("presence release failed")
		}
	}
}

// Acknowledge disarms the fallback obligation for addr after the device
// confirmed it received its messages.
func (r *DeliveryRouter) Acknowledge(addr Address) {
	if r.config.Scheduler == nil {
		return
	}
	if err := r.config.Scheduler.Cancel(addr); err != nil {
		r.log.WithError(err).WithField("address", addr.String()).Warn("obligation cancel failed")
	}
}

// connectionHandler binds one subscription to one local connection. It
// receives frames published on the address channel by other processes.
type connectionHandler struct {
	router *DeliveryRouter
	addr   Address
	conn   Connection
}

func (h *connectionHandler) OnMessage(channel string, payload []byte) {
	frame, err := decodeFrame(channel, payload)
	if err != nil {
		h.router.log.WithError(err).Error("dropping bad channel frame")
		return
	}
	switch frame.Type {
	case frameDeliver:
		if err := h.conn.WriteEnvelope(frame.Envelope); err != nil {
			h.router.log.WithError(err).WithField("address", h.addr.String()).Warn("write after handoff failed")
		}
	case frameDisplaced:
		_ = h.conn.Close(DisconnectDisplaced)
		h.router.HandleDisconnect(h.addr, h.conn)
	}
}

func (h *connectionHandler) OnSubscribed(channel string) {}

func (h *connectionHandler) OnUnsubscribed(channel string) {}
