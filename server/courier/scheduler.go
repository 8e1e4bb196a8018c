package courier

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/venlock/courier/pkg/slot"
)

type FallbackSchedulerConfig struct {
	Store ObligationStore
	// Tokens re-resolves a device's push tokens at sweep time.
	Tokens       TokenResolver
	StandardPush PushSender
	VoicePush    PushSender
	// TokenCache, when set, bounds repeated directory lookups during sweeps.
	TokenCache *TokenCache
	// SweepInterval is the fixed tick interval. Zero value means
	// 1 * time.Second.
	SweepInterval time.Duration
	// SlotsPerTick is the slot-range width claimed per tick. Zero value
	// means 64.
	SlotsPerTick int
	// MaxRetries is the retry ceiling per obligation. Zero value means 5.
	MaxRetries int
	// RetryMinDelay/RetryMaxDelay bound the reschedule delay growth. Zero
	// values mean 1 minute and 1 hour.
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
	Logger        *logrus.Entry
}

// FallbackScheduler tracks deferred push obligations in a cluster-partitioned
// store and periodically sweeps slots whose turn has come. There is no leader
// and no coordination: partition alignment with the cluster's sharding plus
// single-op claims keep concurrent sweepers from different processes safe,
// with at-least-once semantics (a crash mid-sweep can at worst duplicate one
// fallback push, never lose one).
type FallbackScheduler struct {
	config FallbackSchedulerConfig
	store  ObligationStore
	log    *logrus.Entry

	cron     *cron.Cron
	started  int32
	sweeping int32
}

func NewFallbackScheduler(config FallbackSchedulerConfig) (*FallbackScheduler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("fallback scheduler: nil obligation store")
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Second
	}
	if config.SlotsPerTick == 0 {
		config.SlotsPerTick = 64
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.RetryMinDelay == 0 {
		config.RetryMinDelay = time.Minute
	}
	if config.RetryMaxDelay == 0 {
		config.RetryMaxDelay = time.Hour
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FallbackScheduler{
		config: config,
		store:  config.Store,
		log:    config.Logger,
	}, nil
}

// Schedule arms (or re-arms) the fallback obligation for addr. Scheduling an
// address that already has an obligation overwrites its due time.
func (s *FallbackScheduler) Schedule(addr Address, notBefore time.Time) error {
	return s.store.Schedule(addr, notBefore.UnixMilli())
}

// Cancel disarms the obligation for addr; called on reconnect or ack. A
// missing obligation is a no-op.
func (s *FallbackScheduler) Cancel(addr Address) error {
	return s.store.Cancel(addr)
}

// Run starts the periodic sweep.
func (s *FallbackScheduler) Run() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return ErrSchedulerStopped
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.SweepInterval), s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Shutdown stops the sweep. The in-flight tick, if any, completes.
func (s *FallbackScheduler) Shutdown(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweep claims one slot-range starting at the persisted cursor. On any store
// error the cursor is not advanced, so the same range is retried next tick
// and no obligation is silently skipped.
func (s *FallbackScheduler) sweep() {
	if !atomic.CompareAndSwapInt32(&s.sweeping, 0, 1) {
		// Previous tick still running; skip rather than overlap.
		return
	}
	defer atomic.StoreInt32(&s.sweeping, 0)

	cursor, err := s.store.Cursor()
	if err != nil {
		s.log.WithError(err).Warn("fallback sweep: cursor read failed, tick skipped")
		return
	}
	now := time.Now().UnixMilli()
	for i := 0; i < s.config.SlotsPerTick; i++ {
		if err := s.sweepSlot((cursor+i)%slot.Count, now); err != nil {
			s.log.WithError(err).Warn("fallback sweep: slot scan failed, tick skipped")
			return
		}
	}
	if err := s.store.AdvanceCursor((cursor + s.config.SlotsPerTick) % slot.Count); err != nil {
		s.log.WithError(err).Warn("fallback sweep: cursor advance failed")
	}
}

func (s *FallbackScheduler) sweepSlot(sl int, now int64) error {
	due, err := s.store.Due(sl, now)
	if err != nil {
		return err
	}
	for _, addr := range due {
		claimed, err := s.store.TryClaim(addr)
		if err != nil {
			return err
		}
		if !claimed {
			// Another process's sweep got there first.
			continue
		}
		s.process(addr, now)
	}
	return nil
}

// process handles one claimed obligation: the obligation is already removed
// from its slot, so the only outcomes are re-add (retry) or drop.
func (s *FallbackScheduler) process(addr Address, now int64) {
	tokens, err := s.resolveTokens(addr)
	if err != nil {
		// Transient directory failure: put the obligation back untouched
		// rather than dropping it.
		_ = s.store.Schedule(addr, now+s.config.RetryMinDelay.Milliseconds())
		return
	}
	if tokens.Empty() || tokens.FetchesMessages {
		// Device gone stale or polls on its own; obligation dropped.
		_ = s.store.ClearRetries(addr)
		return
	}

	retries, err := s.store.IncrRetries(addr)
	if err != nil {
		// Same treatment as a token lookup failure: the obligation is
		// already claimed out of its slot, so it must go back.
		s.log.WithError(err).WithField("address", addr.String()).Warn("retry count unavailable")
		_ = s.store.Schedule(addr, now+s.config.RetryMinDelay.Milliseconds())
		return
	}
	if retries > int64(s.config.MaxRetries) {
		_ = s.store.ClearRetries(addr)
		s.log.WithField("address", addr.String()).Debug("fallback retry ceiling reached, obligation dropped")
		return
	}

	s.sendFallbackPush(addr, tokens)

	dueAt := now + s.retryDelay(retries).Milliseconds()
	if err := s.store.Schedule(addr, dueAt); err != nil {
		// The push above already went out; losing the reschedule means a
		// missed retry, so surface it loudly.
		s.log.WithError(err).WithField("address", addr.String()).Error("obligation reschedule failed")
	}
}

func (s *FallbackScheduler) sendFallbackPush(addr Address, tokens PushTokens) {
	var (
		sender   PushSender
		token    string
		priority PushPriority
	)
	switch {
	case tokens.Voice != "" && s.config.VoicePush != nil:
		sender, token, priority = s.config.VoicePush, tokens.Voice, PushPriorityHigh
	case tokens.Standard != "" && s.config.StandardPush != nil:
		sender, token, priority = s.config.StandardPush, tokens.Standard, PushPriorityStandard
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sender.Send(ctx, token, encodePushPayload(addr, "retry"), priority); err != nil {
		// Non-fatal: the obligation is rescheduled and will retry.
		s.log.WithError(err).WithField("address", addr.String()).Warn("fallback push failed")
	}
}

func (s *FallbackScheduler) resolveTokens(addr Address) (PushTokens, error) {
	if s.config.TokenCache != nil {
		if tokens, ok := s.config.TokenCache.Get(addr); ok {
			return tokens, nil
		}
	}
	if s.config.Tokens == nil {
		return PushTokens{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tokens, err := s.config.Tokens.PushTokens(ctx, addr)
	if err != nil {
		s.log.WithError(err).WithField("address", addr.String()).Warn("push token lookup failed")
		return PushTokens{}, err
	}
	if s.config.TokenCache != nil {
		s.config.TokenCache.Put(addr, tokens)
	}
	return tokens, nil
}

func (s *FallbackScheduler) retryDelay(retries int64) time.Duration {
	b := &backoff.Backoff{
		Min:    s.config.RetryMinDelay,
		Max:    s.config.RetryMaxDelay,
		Factor: 2,
	}
	return b.ForAttempt(float64(retries))
}
