package courier

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// Name is a human-readable node name. Zero value means the hostname.
	Name string
	// Dialer opens the pub/sub connection to the cache cluster.
	Dialer Dialer
	// Store is the durable message store, required.
	Store DurableStore
	// Presence is the cluster-wide presence record. Zero value means an
	// in-memory manager (single-process deployments and tests).
	Presence PresenceManager
	// Obligations is the fallback obligation store. Zero value means an
	// in-memory store.
	Obligations ObligationStore
	// Tokens resolves device push tokens; nil disables pushes entirely.
	Tokens       TokenResolver
	StandardPush PushSender
	VoicePush    PushSender
	// DeadLetter receives messages for channels with no live subscriber.
	DeadLetter DispatchHandler
	// HandlerPoolSize bounds the dispatcher's callback worker pool.
	// Zero value means 64.
	HandlerPoolSize int
	// FallbackDelay is the initial due delay for push fallback obligations.
	// Zero value means 1 * time.Minute.
	FallbackDelay time.Duration
	// SweepInterval is the fallback sweep tick. Zero value means
	// 1 * time.Second.
	SweepInterval time.Duration
	// SlotsPerTick is the sweep's slot-range width. Zero value means 64.
	SlotsPerTick int
	// MaxPushRetries is the fallback retry ceiling. Zero value means 5.
	MaxPushRetries int
	// TokenCacheSize bounds the sweep's token cache. Zero value means 4096;
	// negative disables the cache.
	TokenCacheSize int
	// TokenCacheTTL is the token cache freshness window. Zero value means
	// 30 * time.Second.
	TokenCacheTTL time.Duration
	// PresenceRefreshInterval is how often local presence entries are
	// refreshed when the presence manager supports TTL refresh. Zero value
	// means 27 * time.Second.
	PresenceRefreshInterval time.Duration
	Logger                  *logrus.Entry
}

// Node ties the delivery core together on one process: hub, dispatcher,
// presence, router and fallback scheduler.
type Node struct {
	mu         sync.RWMutex
	uid        string
	config     Config
	hub        *Hub
	dispatcher *Dispatcher
	presence   PresenceManager
	router     *DeliveryRouter
	scheduler  *FallbackScheduler
	log        *logrus.Entry
	shutdown   bool
	shutdownCh chan struct{}
}

// New creates a Node with provided Config.
func New(c Config) (*Node, error) {
	uidObj, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	uid := uidObj.String()

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		c.Name = hostname
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("node", c.Name)
	}
	if c.Presence == nil {
		c.Presence = NewMemoryPresenceManager()
	}
	if c.Obligations == nil {
		c.Obligations = NewMemoryObligationStore()
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	if c.PresenceRefreshInterval == 0 {
		c.PresenceRefreshInterval = 27 * time.Second
	}
	if c.TokenCacheTTL == 0 {
		c.TokenCacheTTL = 30 * time.Second
	}

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Dialer:          c.Dialer,
		DeadLetter:      c.DeadLetter,
		HandlerPoolSize: c.HandlerPoolSize,
		Logger:          c.Logger,
	})
	if err != nil {
		return nil, err
	}

	var tokenCache *TokenCache
	if c.TokenCacheSize >= 0 {
		size := c.TokenCacheSize
		if size == 0 {
			size = 4096
		}
		tokenCache, err = NewTokenCache(size, c.TokenCacheTTL)
		if err != nil {
			return nil, err
		}
	}

	scheduler, err := NewFallbackScheduler(FallbackSchedulerConfig{
		Store:         c.Obligations,
		Tokens:        c.Tokens,
		StandardPush:  c.StandardPush,
		VoicePush:     c.VoicePush,
		TokenCache:    tokenCache,
		SweepInterval: c.SweepInterval,
		SlotsPerTick:  c.SlotsPerTick,
		MaxRetries:    c.MaxPushRetries,
		Logger:        c.Logger,
	})
	if err != nil {
		return nil, err
	}

	hub := newHub()
	router, err := NewDeliveryRouter(RouterConfig{
		NodeID:        uid,
		Hub:           hub,
		Dispatcher:    dispatcher,
		Presence:      c.Presence,
		Store:         c.Store,
		Tokens:        c.Tokens,
		StandardPush:  c.StandardPush,
		VoicePush:     c.VoicePush,
		Scheduler:     scheduler,
		TokenCache:    tokenCache,
		FallbackDelay: c.FallbackDelay,
		Logger:        c.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		uid:        uid,
		config:     c,
		hub:        hub,
		dispatcher: dispatcher,
		presence:   c.Presence,
		router:     router,
		scheduler:  scheduler,
		log:        c.Logger,
		shutdownCh: make(chan struct{}),
	}, nil
}

// ID returns this process's unique identifier used in presence entries.
func (n *Node) ID() string { return n.uid }

func (n *Node) Hub() *Hub { return n.hub }

func (n *Node) Dispatcher() *Dispatcher { return n.dispatcher }

func (n *Node) Router() *DeliveryRouter { return n.router }

func (n *Node) Scheduler() *FallbackScheduler { return n.scheduler }

// Run starts the dispatcher, the fallback sweep and the presence refresh
// loop.
func (n *Node) Run() error {
	if err := n.dispatcher.Run(); err != nil {
		return err
	}
	if err := n.scheduler.Run(); err != nil {
		return err
	}
	if refresher, ok := n.presence.(presenceRefresher); ok {
		go n.refreshPresenceLoop(refresher)
	}
	return nil
}

// Deliver routes one envelope; see DeliveryRouter.Deliver.
func (n *Node) Deliver(ctx context.Context, addr Address, env *Envelope, onlineOnly bool) (Outcome, error) {
	return n.router.Deliver(ctx, addr, env, onlineOnly)
}

// Shutdown closes local connections, stops the sweep and tears the
// dispatcher down.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.mu.Unlock()

	// Presence goes first: once the entries are released, deliveries racing
	// the shutdown queue durably instead of targeting this process.
	n.router.releaseAll()
	if err := n.hub.shutdown(ctx); err != nil {
		n.log.WithError(err).Warn("hub shutdown incomplete")
	}
	if err := n.scheduler.Shutdown(ctx); err != nil {
		n.log.WithError(err).Warn("scheduler shutdown incomplete")
	}
	return n.dispatcher.Shutdown(ctx)
}

// presenceRefresher is implemented by presence managers with TTL entries.
type presenceRefresher interface {
	Refresh(addr Address, ownerID string) error
}

func (n *Node) refreshPresenceLoop(refresher presenceRefresher) {
	ticker := time.NewTicker(n.config.PresenceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, addr := range n.hub.Addresses() {
				if err := refresher.Refresh(addr, n.uid); err != nil {
					n.log.WithError(err).WithField("address", addr.String()).Warn("presence refresh failed")
				}
			}
		case <-n.shutdownCh:
			return
		}
	}
}
