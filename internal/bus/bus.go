// Package bus adapts a Redis publish/subscribe connection pair into the
// relay's cross-process backbone.
//
// Every publish goes through the broker, including deliveries to this
// process: handlers only ever see what Redis hands back on the subscribe
// connection. When the subscribe connection drops the receive loop reconnects
// with backoff, reasserts every channel that still has handlers and then runs
// the OnReconnect hooks.
//
// A topic containing a glob character (*, ? or [) is subscribed as a Redis
// pattern. Its handlers receive the concrete channel each message was
// published on.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/markb/chatrelay/internal/log"
)

var (
	// ErrBrokerUnavailable is returned while the broker cannot be reached.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus closed")
)

// Handler receives one broker message. It runs on the receive goroutine and
// must not block.
type Handler func(channel string, payload []byte)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Channel() string
	// Cancel removes the handler. The broker subscription is released when
	// the last handler of the channel goes away. Cancel is idempotent.
	Cancel(ctx context.Context) error
}

// Config configures a Bus.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every broker channel name.
	Prefix string

	DialTimeout    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Addr:           "localhost:6379",
		DialTimeout:    5 * time.Second,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

type entry struct {
	id uint64
	h  Handler
}

// Bus is a Redis-backed publish/subscribe adapter.
type Bus struct {
	cfg Config
	pub *redis.Client
	sub *redis.Client

	mu       sync.Mutex
	ps       *redis.PubSub
	handlers map[string][]entry
	nextID   uint64
	hooks    []func()

	healthy   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Bus. It does not touch the network; call Connect or Start.
func New(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	opts := func(pool int) *redis.Options {
		return &redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			PoolSize:    pool,
		}
	}

	return &Bus{
		cfg: cfg,
		// A single publish connection keeps this process's publishes in
		// submission order.
		pub:      redis.NewClient(opts(1)),
		sub:      redis.NewClient(opts(2)),
		handlers: make(map[string][]entry),
		done:     make(chan struct{}),
	}
}

func (b *Bus) key(channel string) string {
	return b.cfg.Prefix + channel
}

func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "*?[")
}

// Healthy reports whether the subscribe connection is believed up.
func (b *Bus) Healthy() bool {
	return b.healthy.Load()
}

func (b *Bus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// OnReconnect registers fn to run after the subscribe connection has been
// re-established and every channel reasserted. Hooks run on the receive
// goroutine.
func (b *Bus) OnReconnect(fn func()) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Publish sends payload to every process subscribed to channel, this one
// included.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.closed() {
		return ErrClosed
	}
	if !b.Healthy() {
		return fmt.Errorf("%w: publish %s", ErrBrokerUnavailable, channel)
	}
	if err := b.pub.Publish(ctx, b.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, channel, err)
	}
	return nil
}

// Subscribe adds h to channel. Handlers are additive; the first one issues the
// broker SUBSCRIBE (PSUBSCRIBE for patterns). While the broker is down nothing
// is registered and ErrBrokerUnavailable is returned.
func (b *Bus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, errors.New("bus: nil handler")
	}
	if b.closed() {
		return nil, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Healthy() || b.ps == nil {
		return nil, fmt.Errorf("%w: subscribe %s", ErrBrokerUnavailable, channel)
	}

	if len(b.handlers[channel]) == 0 {
		subscribe := b.ps.Subscribe
		if isPattern(channel) {
			subscribe = b.ps.PSubscribe
		}
		if err := subscribe(ctx, b.key(channel)); err != nil {
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrBrokerUnavailable, channel, err)
		}
		log.Debug("bus: subscribed", "channel", channel)
	}

	b.nextID++
	id := b.nextID
	b.handlers[channel] = append(b.handlers[channel], entry{id: id, h: h})

	return &subscription{bus: b, channel: channel, id: id}, nil
}

// Unsubscribe drops every handler of channel and releases the broker
// subscription. Unknown channels are a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[channel]; !ok {
		return nil
	}
	delete(b.handlers, channel)
	return b.release(ctx, channel)
}

func (b *Bus) remove(ctx context.Context, channel string, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[channel]
	for i, e := range list {
		if e.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) > 0 {
		b.handlers[channel] = list
		return nil
	}
	if _, ok := b.handlers[channel]; !ok {
		return nil
	}
	delete(b.handlers, channel)
	return b.release(ctx, channel)
}

// release must be called with b.mu held.
func (b *Bus) release(ctx context.Context, channel string) error {
	log.Debug("bus: unsubscribed", "channel", channel)
	// A dead connection has already lost the subscription, and the channel is
	// no longer in the map so a reconnect will not reassert it.
	if !b.Healthy() || b.ps == nil {
		return nil
	}
	unsubscribe := b.ps.Unsubscribe
	if isPattern(channel) {
		unsubscribe = b.ps.PUnsubscribe
	}
	if err := unsubscribe(ctx, b.key(channel)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", ErrBrokerUnavailable, channel, err)
	}
	return nil
}

// Subscribed reports whether channel has at least one handler.
func (b *Bus) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[channel]) > 0
}

// Channels lists the channels with handlers, sorted.
func (b *Bus) Channels() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		out = append(out, ch)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

// Connect makes a single attempt to reach the broker and open the subscribe
// connection.
func (b *Bus) Connect(ctx context.Context) error {
	if b.closed() {
		return ErrClosed
	}
	if err := b.sub.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	var channels, patterns []string
	for ch := range b.handlers {
		if isPattern(ch) {
			patterns = append(patterns, b.key(ch))
		} else {
			channels = append(channels, b.key(ch))
		}
	}
	ps := b.sub.Subscribe(ctx)
	err := func() error {
		if len(channels) > 0 {
			if err := ps.Subscribe(ctx, channels...); err != nil {
				return err
			}
		}
		if len(patterns) > 0 {
			return ps.PSubscribe(ctx, patterns...)
		}
		return nil
	}()
	if err != nil {
		b.mu.Unlock()
		ps.Close()
		return fmt.Errorf("%w: resubscribe: %v", ErrBrokerUnavailable, err)
	}
	old := b.ps
	b.ps = ps
	b.healthy.Store(true)
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Info("bus: connected", "addr", b.cfg.Addr, "channels", len(channels), "patterns", len(patterns))
	return nil
}

// Start runs the receive loop until ctx is cancelled or the bus is closed.
// Broker outages are retried forever.
func (b *Bus) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, b.interrupt)
	defer stop()

	if !b.Healthy() {
		if err := b.reconnect(ctx); err != nil {
			return b.exitErr(ctx, err)
		}
	}

	for {
		b.mu.Lock()
		ps := b.ps
		b.mu.Unlock()
		if ps == nil {
			return nil
		}

		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || b.closed() {
				return b.exitErr(ctx, err)
			}
			b.healthy.Store(false)
			log.Warn("bus: subscribe connection lost", "error", err.Error())
			if err := b.reconnect(ctx); err != nil {
				return b.exitErr(ctx, err)
			}
			continue
		}
		b.dispatch(msg)
	}
}

func (b *Bus) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || b.closed() {
		return nil
	}
	return err
}

// interrupt unblocks a pending ReceiveMessage.
func (b *Bus) interrupt() {
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	if ps != nil {
		ps.Close()
	}
}

func (b *Bus) reconnect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.MaxInterval = b.cfg.MaxBackoff
	bo.Reset()

	for attempt := 1; ; attempt++ {
		err := b.Connect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		wait := bo.NextBackOff()
		log.Warn("bus: reconnect failed", "attempt", attempt, "retry_in", wait.String(), "error", err.Error())

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-b.done:
			t.Stop()
			return ErrClosed
		case <-t.C:
		}
	}

	b.mu.Lock()
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (b *Bus) dispatch(msg *redis.Message) {
	channel := strings.TrimPrefix(msg.Channel, b.cfg.Prefix)
	topic := channel
	if msg.Pattern != "" {
		topic = strings.TrimPrefix(msg.Pattern, b.cfg.Prefix)
	}

	b.mu.Lock()
	list := append([]entry(nil), b.handlers[topic]...)
	b.mu.Unlock()

	payload := []byte(msg.Payload)
	for _, e := range list {
		e.h(channel, payload)
	}
}

// Close stops the receive loop and closes both broker connections.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.healthy.Store(false)

		b.mu.Lock()
		ps := b.ps
		b.ps = nil
		b.mu.Unlock()

		if ps != nil {
			ps.Close()
		}
		err = errors.Join(b.pub.Close(), b.sub.Close())
	})
	return err
}

type subscription struct {
	bus     *Bus
	channel string
	id      uint64
	once    sync.Once
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Cancel(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.bus.remove(ctx, s.channel, s.id)
	})
	return err
}
