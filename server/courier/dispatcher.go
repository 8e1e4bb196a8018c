package courier

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/panjf2000/ants"
	"github.com/sirupsen/logrus"

	"github.com/venlock/courier/server/courier/internal/wireproto"
)

// DispatchState is the dispatcher's connection state.
type DispatchState int32

const (
	StateDisconnected DispatchState = iota
	StateConnected
	StateError
	StateReconnecting
	StateClosed
)

// Dialer opens a connection to the cache cluster's pub/sub endpoint.
type Dialer func(ctx context.Context) (net.Conn, error)

type DispatcherConfig struct {
	Dialer Dialer
	// DeadLetter receives messages for channels with no registered handler.
	// Optional; without it such messages are logged and dropped.
	DeadLetter DispatchHandler
	// HandlerPoolSize bounds the worker pool running handler callbacks.
	// Zero value means 64.
	HandlerPoolSize int
	// WriteTimeout bounds a single wire command write. Zero value means
	// 1 * time.Second.
	WriteTimeout time.Duration
	Logger       *logrus.Entry
}

type subEventKind int

const (
	eventMessage subEventKind = iota
	eventSubscribed
)

type subEvent struct {
	kind    subEventKind
	channel string
	handler DispatchHandler
	payload []byte
}

// mailbox serializes handler callbacks for one channel so per-channel order
// is preserved while callbacks still run off the read loop.
type mailbox struct {
	mu      sync.Mutex
	queue   []subEvent
	running bool
}

type subscription struct {
	handler DispatchHandler
	// acked flips once on the first wire subscribe ack and stays set across
	// reconnects: resubscription is invisible to the handler.
	acked bool
	box   mailbox
}

// Dispatcher owns one pub/sub connection to the cache cluster and the local
// table of channel handlers. It supervises the connection: on any read error
// it reconnects with backoff and silently replays every registered channel.
type Dispatcher struct {
	config DispatcherConfig
	log    *logrus.Entry

	subsMu sync.RWMutex
	subs   map[string]*subscription

	writeMu sync.Mutex
	conn    net.Conn
	enc     *wireproto.Encoder

	pool          *ants.Pool
	deadLetterBox mailbox
	// redial grows the delay between connection attempts and is reset once a
	// connection is established. Touched only by the run goroutine.
	redial  *backoff.Backoff
	state   int32
	closed  int32
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if config.Dialer == nil {
		return nil, errors.New("dispatcher: nil dialer")
	}
	if config.HandlerPoolSize == 0 {
		config.HandlerPoolSize = 64
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = time.Second
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	pool, err := ants.NewPool(config.HandlerPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		config: config,
		log:    config.Logger,
		subs:   make(map[string]*subscription),
		pool:   pool,
		redial: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		closeCh: make(chan struct{}),
	}, nil
}

// Run starts the connection supervisor in the background. The connection is
// opened on start and guaranteed closed by Shutdown on every exit path.
func (d *Dispatcher) Run() error {
	if d.isClosed() {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	go d.run()
	return nil
}

// Shutdown flips the running flag and closes the connection; the read loop
// exits on the next read error or explicit close. Handler callbacks already
// dispatched to the worker pool are allowed to complete.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return ErrDispatcherClosed
	}
	close(d.closeCh)
	d.writeMu.Lock()
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.writeMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.pool.Release()
	d.setState(StateClosed)
	return nil
}

// State reports the current connection state.
func (d *Dispatcher) State() DispatchState {
	return DispatchState(atomic.LoadInt32(&d.state))
}

// Subscribe registers or replaces the handler for a channel. A displaced
// handler is notified via OnUnsubscribed before the replacement is installed.
// A wire failure does not fail the call: the registration is kept locally and
// replayed on the next reconnect, so a transient network blip cannot lose
// subscriber intent.
func (d *Dispatcher) Subscribe(channel string, handler DispatchHandler) error {
	if d.isClosed() {
		return ErrDispatcherClosed
	}
	d.subsMu.Lock()
	if sub, ok := d.subs[channel]; ok {
		if sub.handler == handler {
			d.subsMu.Unlock()
			return nil
		}
		displaced := sub.handler
		displaced.OnUnsubscribed(channel)
		sub.handler = handler
		acked := sub.acked
		d.subsMu.Unlock()
		if acked {
			// The wire subscription is already live; the replacement
			// observes it without a new subscribe ack.
			d.enqueue(&sub.box, subEvent{kind: eventSubscribed, channel: channel, handler: handler})
		}
		return nil
	}
	d.subs[channel] = &subscription{handler: handler}
	d.subsMu.Unlock()

	if err := d.writeCommand(func(enc *wireproto.Encoder) error {
		return enc.Subscribe(channel)
	}); err != nil {
		d.log.WithError(err).WithField("channel", channel).
			Warn("wire subscribe failed, will replay on reconnect")
	}
	return nil
}

// Unsubscribe removes the registration only if handler is still the current
// one, so a stale unsubscribe cannot race a newer subscribe.
func (d *Dispatcher) Unsubscribe(channel string, handler DispatchHandler) {
	d.subsMu.Lock()
	sub, ok := d.subs[channel]
	if !ok || sub.handler != handler {
		d.subsMu.Unlock()
		return
	}
	delete(d.subs, channel)
	handler.OnUnsubscribed(channel)
	d.subsMu.Unlock()

	if err := d.writeCommand(func(enc *wireproto.Encoder) error {
		return enc.Unsubscribe(channel)
	}); err != nil {
		d.log.WithError(err).WithField("channel", channel).Debug("wire unsubscribe failed")
	}
}

func (d *Dispatcher) HasSubscription(channel string) bool {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	_, ok := d.subs[channel]
	return ok
}

// Publish sends a payload to a channel through the shared connection. Unlike
// Subscribe, a wire failure is returned: the caller decides the fallback
// (the router degrades to the offline path).
func (d *Dispatcher) Publish(channel string, payload []byte) error {
	if d.isClosed() {
		return ErrDispatcherClosed
	}
	return d.writeCommand(func(enc *wireproto.Encoder) error {
		return enc.Publish(channel, payload)
	})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		if d.isClosed() {
			return
		}
		conn, err := d.config.Dialer(context.Background())
		if err != nil {
			d.log.WithError(err).Warn("pubsub connect failed")
			if !d.sleep(d.redial.Duration()) {
				return
			}
			continue
		}
		d.redial.Reset()
		d.installConn(conn)
		d.setState(StateConnected)
		d.resubscribeAll()

		err = d.readLoop(conn)
		d.dropConn(conn)
		if d.isClosed() {
			return
		}
		d.setState(StateError)
		d.log.WithError(err).Warn("pubsub connection lost")
		d.setState(StateReconnecting)
		if !d.sleep(d.redial.Duration()) {
			return
		}
	}
}

func (d *Dispatcher) readLoop(conn net.Conn) error {
	dec := wireproto.NewDecoder(conn)
	for {
		reply, err := dec.Decode()
		if err != nil {
			var protoErr *wireproto.ProtocolError
			if errors.As(err, &protoErr) {
				// Fatal for this connection only; reconnect resyncs the
				// stream from a clean frame boundary.
				d.log.WithError(err).Error("pubsub framing error")
			}
			return err
		}
		switch reply.Kind {
		case wireproto.KindSubscribed:
			d.handleSubscribed(reply.Channel)
		case wireproto.KindUnsubscribed:
			// Ack for a channel we already dropped locally.
		case wireproto.KindMessage:
			d.handleMessage(reply.Channel, reply.Payload)
		}
	}
}

func (d *Dispatcher) handleSubscribed(channel string) {
	d.subsMu.Lock()
	sub, ok := d.subs[channel]
	if !ok || sub.acked {
		d.subsMu.Unlock()
		return
	}
	sub.acked = true
	handler := sub.handler
	d.subsMu.Unlock()
	d.enqueue(&sub.box, subEvent{kind: eventSubscribed, channel: channel, handler: handler})
}

func (d *Dispatcher) handleMessage(channel string, payload []byte) {
	d.subsMu.RLock()
	sub, ok := d.subs[channel]
	var handler DispatchHandler
	if ok {
		handler = sub.handler
	}
	d.subsMu.RUnlock()

	if !ok {
		// Legitimate race: an unsubscribe completed while this message was
		// in flight.
		if d.config.DeadLetter != nil {
			d.enqueue(&d.deadLetterBox, subEvent{
				kind:    eventMessage,
				channel: channel,
				handler: d.config.DeadLetter,
				payload: payload,
			})
			return
		}
		d.log.WithField("channel", channel).Debug("message for unregistered channel dropped")
		return
	}
	d.enqueue(&sub.box, subEvent{kind: eventMessage, channel: channel, handler: handler, payload: payload})
}

func (d *Dispatcher) enqueue(box *mailbox, ev subEvent) {
	box.mu.Lock()
	box.queue = append(box.queue, ev)
	if !box.running {
		if err := d.pool.Submit(func() { d.drain(box) }); err == nil {
			box.running = true
		}
	}
	box.mu.Unlock()
}

func (d *Dispatcher) drain(box *mailbox) {
	for {
		box.mu.Lock()
		if len(box.queue) == 0 {
			box.running = false
			box.mu.Unlock()
			return
		}
		ev := box.queue[0]
		box.queue = box.queue[1:]
		box.mu.Unlock()

		switch ev.kind {
		case eventSubscribed:
			ev.handler.OnSubscribed(ev.channel)
		case eventMessage:
			ev.handler.OnMessage(ev.channel, ev.payload)
		}
	}
}

// resubscribeAll replays every registered channel on a fresh connection.
// Order is indeterminate and no handler callbacks fire: from the handler's
// point of view the subscription is continuous.
func (d *Dispatcher) resubscribeAll() {
	d.subsMu.RLock()
	channels := make([]string, 0, len(d.subs))
	for channel := range d.subs {
		channels = append(channels, channel)
	}
	d.subsMu.RUnlock()

	for _, channel := range channels {
		if err := d.writeCommand(func(enc *wireproto.Encoder) error {
			return enc.Subscribe(channel)
		}); err != nil {
			// The read loop will observe the broken connection and trigger
			// another reconnect cycle.
			d.log.WithError(err).WithField("channel", channel).Warn("resubscribe failed")
			return
		}
	}
}

func (d *Dispatcher) writeCommand(write func(*wireproto.Encoder) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.enc == nil {
		return ErrNotConnected
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout))
	err := write(d.enc)
	_ = d.conn.SetWriteDeadline(time.Time{})
	return err
}

func (d *Dispatcher) installConn(conn net.Conn) {
	d.writeMu.Lock()
	d.conn = conn
	d.enc = wireproto.NewEncoder(conn)
	d.writeMu.Unlock()
}

func (d *Dispatcher) dropConn(conn net.Conn) {
	d.writeMu.Lock()
	if d.conn == conn {
		_ = conn.Close()
		d.conn = nil
		d.enc = nil
	}
	d.writeMu.Unlock()
}

func (d *Dispatcher) sleep(dur time.Duration) bool {
	select {
	case <-time.After(dur):
		return true
	case <-d.closeCh:
		return false
	}
}

func (d *Dispatcher) isClosed() bool {
	return atomic.LoadInt32(&d.closed) == 1
}

func (d *Dispatcher) setState(s DispatchState) {
	atomic.StoreInt32(&d.state, int32(s))
}
