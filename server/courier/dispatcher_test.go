package courier

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testBroker is a minimal in-process pub/sub endpoint speaking the cache
// cluster's wire protocol, shared by dispatcher and router tests.
type testBroker struct {
	ln net.Listener

	mu         sync.Mutex
	conns      map[net.Conn]*sync.Mutex
	subs       map[string]map[net.Conn]struct{}
	subscribes []string
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &testBroker{
		ln:    ln,
		conns: make(map[net.Conn]*sync.Mutex),
		subs:  make(map[string]map[net.Conn]struct{}),
	}
	go b.acceptLoop()
	t.Cleanup(b.close)
	return b
}

func (b *testBroker) addr() string { return b.ln.Addr().String() }

func (b *testBroker) dialer() Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", b.addr())
	}
}

func (b *testBroker) close() {
	_ = b.ln.Close()
	b.killConnections()
}

func (b *testBroker) killConnections() {
	b.mu.Lock()
	conns := make([]net.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// subscribeCommands returns every SUBSCRIBE channel received, in order.
func (b *testBroker) subscribeCommands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.subscribes))
	copy(out, b.subscribes)
	return out
}

func (b *testBroker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = &sync.Mutex{}
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *testBroker) serve(conn net.Conn) {
	defer b.dropConn(conn)
	reader := bufio.NewReader(conn)
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		switch args[0] {
		case "SUBSCRIBE":
			channel := args[1]
			b.mu.Lock()
			if b.subs[channel] == nil {
				b.subs[channel] = make(map[net.Conn]struct{})
			}
			b.subs[channel][conn] = struct{}{}
			b.subscribes = append(b.subscribes, channel)
			b.mu.Unlock()
			b.write(conn, fmt.Sprintf("*3\r\n$9\r\nsubscribe\r\n$%d\r\n%s\r\n:1\r\n", len(channel), channel))
		case "UNSUBSCRIBE":
			channel := args[1]
			b.mu.Lock()
			delete(b.subs[channel], conn)
			b.mu.Unlock()
			b.write(conn, fmt.Sprintf("*3\r\n$11\r\nunsubscribe\r\n$%d\r\n%s\r\n:0\r\n", len(channel), channel))
		case "PUBLISH":
			channel, payload := args[1], args[2]
			frame := fmt.Sprintf("*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
				len(channel), channel, len(payload), payload)
			b.mu.Lock()
			targets := make([]net.Conn, 0, len(b.subs[channel]))
			for sub := range b.subs[channel] {
				targets = append(targets, sub)
			}
			b.mu.Unlock()
			for _, target := range targets {
				b.write(target, frame)
			}
		}
	}
}

func (b *testBroker) dropConn(conn net.Conn) {
	_ = conn.Close()
	b.mu.Lock()
	delete(b.conns, conn)
	for _, subscribers := range b.subs {
		delete(subscribers, conn)
	}
	b.mu.Unlock()
}

func (b *testBroker) write(conn net.Conn, frame string) {
	b.mu.Lock()
	lock := b.conns[conn]
	b.mu.Unlock()
	if lock == nil {
		return
	}
	lock.Lock()
	_, _ = io.WriteString(conn, frame)
	lock.Unlock()
}

func readCommand(reader *bufio.Reader) ([]string, error) {
	header, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if len(header) < 4 || header[0] != '*' {
		return nil, fmt.Errorf("bad command header %q", header)
	}
	n, err := strconv.Atoi(header[1 : len(header)-2])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(sizeLine[1 : len(sizeLine)-2])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

// recordingHandler counts callbacks and captures payloads.
type recordingHandler struct {
	mu           sync.Mutex
	messages     [][]byte
	channels     []string
	subscribed   int
	unsubscribed int
	messageCh    chan []byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{messageCh: make(chan []byte, 64)}
}

func (h *recordingHandler) OnMessage(channel string, payload []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, payload)
	h.channels = append(h.channels, channel)
	h.mu.Unlock()
	h.messageCh <- payload
}

func (h *recordingHandler) OnSubscribed(channel string) {
	h.mu.Lock()
	h.subscribed++
	h.mu.Unlock()
}

func (h *recordingHandler) OnUnsubscribed(channel string) {
	h.mu.Lock()
	h.unsubscribed++
	h.mu.Unlock()
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages), h.subscribed, h.unsubscribed
}

func newTestDispatcher(t *testing.T, config DispatcherConfig) *Dispatcher {
	t.Helper()
	if config.Dialer == nil {
		config.Dialer = func(ctx context.Context) (net.Conn, error) {
			return nil, fmt.Errorf("no endpoint")
		}
	}
	d, err := NewDispatcher(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func TestSubscribeSingleRegistration(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})

	h1 := newRecordingHandler()
	h2 := newRecordingHandler()

	require.NoError(t, d.Subscribe("42.1", h1))
	require.True(t, d.HasSubscription("42.1"))

	// Same handler again is idempotent.
	require.NoError(t, d.Subscribe("42.1", h1))
	_, _, unsub := h1.counts()
	require.Zero(t, unsub)

	// Replacing evicts and notifies the first exactly once.
	require.NoError(t, d.Subscribe("42.1", h2))
	_, _, unsub = h1.counts()
	require.Equal(t, 1, unsub)
	require.True(t, d.HasSubscription("42.1"))

	// Stale unsubscribe from the displaced handler must not remove the
	// newer registration.
	d.Unsubscribe("42.1", h1)
	require.True(t, d.HasSubscription("42.1"))
	_, _, unsub = h1.counts()
	require.Equal(t, 1, unsub)

	d.Unsubscribe("42.1", h2)
	require.False(t, d.HasSubscription("42.1"))
	_, _, unsub = h2.counts()
	require.Equal(t, 1, unsub)
}

func TestDeadLetterRouting(t *testing.T) {
	dead := newRecordingHandler()
	d := newTestDispatcher(t, DispatcherConfig{DeadLetter: dead})

	d.handleMessage("nobody.1", []byte("orphan"))
	select {
	case payload := <-dead.messageCh:
		require.Equal(t, []byte("orphan"), payload)
	case <-time.After(time.Second):
		t.Fatal("dead letter handler not invoked")
	}
	dead.mu.Lock()
	require.Equal(t, []string{"nobody.1"}, dead.channels)
	dead.mu.Unlock()
}

func TestUnregisteredChannelDroppedWithoutDeadLetter(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})
	// Must not panic or block.
	d.handleMessage("nobody.1", []byte("orphan"))
}

func TestPerChannelOrderPreserved(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{HandlerPoolSize: 8})

	h := newRecordingHandler()
	require.NoError(t, d.Subscribe("a.1", h))

	const n = 200
	for i := 0; i < n; i++ {
		d.handleMessage("a.1", []byte(strconv.Itoa(i)))
	}
	for i := 0; i < n; i++ {
		select {
		case <-h.messageCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < n; i++ {
		require.Equal(t, strconv.Itoa(i), string(h.messages[i]))
	}
}

func TestSlowHandlerDoesNotStallOtherChannels(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{HandlerPoolSize: 8})

	release := make(chan struct{})
	slowRunning := make(chan struct{})
	slow := &HandlerFuncs{Message: func(channel string, payload []byte) {
		close(slowRunning)
		<-release
	}}
	fast := newRecordingHandler()

	require.NoError(t, d.Subscribe("slow.1", slow))
	require.NoError(t, d.Subscribe("fast.1", fast))

	d.handleMessage("slow.1", []byte("x"))
	<-slowRunning
	d.handleMessage("fast.1", []byte("y"))

	select {
	case payload := <-fast.messageCh:
		require.Equal(t, []byte("y"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("fast channel stalled behind slow handler")
	}
	close(release)
}

func TestPublishSubscribeAcrossDispatchers(t *testing.T) {
	broker := newTestBroker(t)

	sub := newTestDispatcher(t, DispatcherConfig{Dialer: broker.dialer()})
	pub := newTestDispatcher(t, DispatcherConfig{Dialer: broker.dialer()})
	require.NoError(t, sub.Run())
	require.NoError(t, pub.Run())

	h1 := newRecordingHandler()
	require.NoError(t, sub.Subscribe("42.1", h1))

	// Wait for the wire subscription to be acked before publishing.
	require.Eventually(t, func() bool {
		_, subscribed, _ := h1.counts()
		return subscribed == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return pub.Publish("42.1", []byte("hi")) == nil
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case payload := <-h1.messageCh:
		require.Equal(t, []byte("hi"), payload)
	case <-time.After(3 * time.Second):
		t.Fatal("published message not dispatched")
	}

	// Exactly once.
	time.Sleep(100 * time.Millisecond)
	msgs, _, _ := h1.counts()
	require.Equal(t, 1, msgs)
}

func TestResubscribeAfterReconnect(t *testing.T) {
	broker := newTestBroker(t)

	d := newTestDispatcher(t, DispatcherConfig{Dialer: broker.dialer()})
	require.NoError(t, d.Run())

	handlers := make(map[string]*recordingHandler)
	channels := []string{"a.1", "b.1", "c.1", "d.1", "e.1"}
	for _, channel := range channels {
		h := newRecordingHandler()
		handlers[channel] = h
		require.NoError(t, d.Subscribe(channel, h))
	}

	require.Eventually(t, func() bool {
		return len(broker.subscribeCommands()) == len(channels)
	}, 3*time.Second, 10*time.Millisecond)

	broker.killConnections()

	// After reconnect every channel is replayed exactly once more.
	require.Eventually(t, func() bool {
		return len(broker.subscribeCommands()) == 2*len(channels)
	}, 5*time.Second, 10*time.Millisecond)

	replayed := broker.subscribeCommands()[len(channels):]
	seen := make(map[string]int)
	for _, channel := range replayed {
		seen[channel]++
	}
	for _, channel := range channels {
		require.Equal(t, 1, seen[channel], "channel %s", channel)
	}

	// No subscription churn surfaced to handlers across the reconnect.
	for channel, h := range handlers {
		_, subscribed, unsubscribed := h.counts()
		require.Equal(t, 1, subscribed, "channel %s", channel)
		require.Zero(t, unsubscribed, "channel %s", channel)
	}
}

func TestSubscribeKeptWhenWireDown(t *testing.T) {
	// No connection at all: the wire subscribe fails but the registration
	// survives locally.
	d := newTestDispatcher(t, DispatcherConfig{})
	h := newRecordingHandler()
	require.NoError(t, d.Subscribe("a.1", h))
	require.True(t, d.HasSubscription("a.1"))
	require.ErrorIs(t, d.Publish("a.1", []byte("x")), ErrNotConnected)
}

func TestShutdownStopsRunLoop(t *testing.T) {
	broker := newTestBroker(t)
	d, err := NewDispatcher(DispatcherConfig{Dialer: broker.dialer()})
	require.NoError(t, err)
	require.NoError(t, d.Run())

	require.Eventually(t, func() bool {
		return d.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	require.Equal(t, StateClosed, d.State())
	require.ErrorIs(t, d.Subscribe("a.1", newRecordingHandler()), ErrDispatcherClosed)
}
