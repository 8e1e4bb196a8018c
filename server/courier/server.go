package courier

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	log "github.com/venlock/courier/pkg/logger"
	redisdb "github.com/venlock/courier/server/pkg/redis"
)

// CourierServer wires a Node against a real cache cluster from a yaml config
// file and runs it until interrupted. The durable store, token resolver and
// push senders come from the surrounding application.
type CourierServer struct {
	node   *Node
	config *ServerConfig
	logger *logrus.Entry
}

// ServerDeps are the external collaborators the delivery core consumes.
type ServerDeps struct {
	Store        DurableStore
	Tokens       TokenResolver
	StandardPush PushSender
	VoicePush    PushSender
	DeadLetter   DispatchHandler
}

func NewCourierServer(file string, deps ServerDeps) (*CourierServer, error) {
	config, err := SetConfig(file)
	if err != nil {
		return nil, err
	}
	if config.LogLevel == "" {
		config.LogLevel = logrus.InfoLevel.String()
	}
	logger := log.InitLogger(config.LogLevel, "courier")

	redisClient, err := redisdb.Connect(redisdb.Config{
		Host:     config.Redis.Host,
		Port:     config.Redis.Port,
		Password: config.Redis.Password,
	})
	if err != nil {
		return nil, err
	}

	dialTimeout := time.Duration(config.PubSub.DialTimeoutSec) * time.Second
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	pubsubAddr := config.PubSub.Addr
	if pubsubAddr == "" {
		pubsubAddr = net.JoinHostPort(config.Redis.Host, config.Redis.Port)
	}

	node, err := New(Config{
		Name: config.Name,
		Dialer: func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", pubsubAddr)
		},
		Store:          deps.Store,
		Presence:       NewRedisPresenceManager(redisClient, RedisPresenceManagerConfig{}),
		Obligations:    NewRedisObligationStore(redisClient),
		Tokens:         deps.Tokens,
		StandardPush:   deps.StandardPush,
		VoicePush:      deps.VoicePush,
		DeadLetter:     deps.DeadLetter,
		FallbackDelay:  time.Duration(config.Fallback.DelaySec) * time.Second,
		SweepInterval:  time.Duration(config.Fallback.SweepIntervalSec) * time.Second,
		SlotsPerTick:   config.Fallback.SlotsPerTick,
		MaxPushRetries: config.Fallback.MaxRetries,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &CourierServer{
		node:   node,
		config: config,
		logger: logger,
	}, nil
}

func (s *CourierServer) Node() *Node { return s.node }

// Start runs the node until SIGINT/SIGTERM.
func (s *CourierServer) Start() error {
	if err := s.node.Run(); err != nil {
		return err
	}
	s.logger.Infof("courier node %s started", s.node.ID())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	s.logger.Info("courier node shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.node.Shutdown(ctx)
}
