package realtime

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markb/chatrelay/internal/auth"
	"github.com/markb/chatrelay/internal/bus"
	"github.com/markb/chatrelay/internal/presence"
	"github.com/markb/chatrelay/internal/registry"
	"github.com/markb/chatrelay/internal/store"
)

// Broker is the cross-process publish/subscribe backbone.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, h bus.Handler) (bus.Subscription, error)
	OnReconnect(fn func())
	Healthy() bool
}

// Verifier turns a handshake token into an identity.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Authority decides channel membership.
type Authority interface {
	CanJoin(ctx context.Context, identity, name string) (bool, error)
	InitialChannels(ctx context.Context, identity string) ([]string, error)
}

// Enqueuer accepts messages for out-of-band persistence without blocking.
type Enqueuer interface {
	Enqueue(msg store.Message) bool
}

// Recorder receives relay measurements.
type Recorder interface {
	ConnOpened(ctx context.Context)
	ConnClosed(ctx context.Context)
	Rejected(ctx context.Context, code string)
	Published(ctx context.Context, kind string)
	Delivered(ctx context.Context, n int)
	Degraded(ctx context.Context)
}

type nopRecorder struct{}

func (nopRecorder) ConnOpened(context.Context)        {}
func (nopRecorder) ConnClosed(context.Context)        {}
func (nopRecorder) Rejected(context.Context, string)  {}
func (nopRecorder) Published(context.Context, string) {}
func (nopRecorder) Delivered(context.Context, int)    {}
func (nopRecorder) Degraded(context.Context)          {}

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(store.Message) bool { return true }

// Config holds gateway tuning.
type Config struct {
	// RateLimit is the sustained number of inbound events per second per
	// connection; RateBurst the bucket size.
	RateLimit float64
	RateBurst int
	// OpTimeout bounds storage and broker calls made for one event.
	OpTimeout time.Duration
	// PresenceRefresh rewrites the ONLINE record of every active connection
	// at this period, and on each heartbeat. Set it below the presence TTL
	// when records expire; 0 disables refreshing.
	PresenceRefresh time.Duration
}

func DefaultConfig() Config {
	return Config{
		RateLimit: 20,
		RateBurst: 40,
		OpTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Gateway. Broker, Presence, Authority and
// Verifier are required.
type Deps struct {
	Broker    Broker
	Registry  *registry.Registry
	Presence  presence.Store
	Authority Authority
	Verifier  Verifier
	Persister Enqueuer
	Metrics   Recorder
}

// Gateway runs the per-connection state machine and bridges broker
// subscriptions to local listeners.
type Gateway struct {
	cfg       Config
	broker    Broker
	registry  *registry.Registry
	presence  presence.Store
	authority Authority
	verifier  Verifier
	persist   Enqueuer
	metrics   Recorder

	// subMu serialises the reconciliation of local listeners against broker
	// subscriptions: one subscription per channel with listeners, none otherwise.
	subMu   sync.Mutex
	subs    map[string]bus.Subscription
	pending map[string]struct{}

	connsMu sync.Mutex
	conns   map[string]*Conn
	wg      sync.WaitGroup
	closing atomic.Bool
}

func New(cfg Config, deps Deps) *Gateway {
	def := DefaultConfig()
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	g := &Gateway{
		cfg:       cfg,
		broker:    deps.Broker,
		registry:  deps.Registry,
		presence:  deps.Presence,
		authority: deps.Authority,
		verifier:  deps.Verifier,
		persist:   deps.Persister,
		metrics:   deps.Metrics,
		subs:      make(map[string]bus.Subscription),
		pending:   make(map[string]struct{}),
		conns:     make(map[string]*Conn),
	}
	if g.registry == nil {
		g.registry = registry.New()
	}
	if g.persist == nil {
		g.persist = nopEnqueuer{}
	}
	if g.metrics == nil {
		g.metrics = nopRecorder{}
	}

	g.registry.OnEvict(g.evict)
	g.broker.OnReconnect(g.resync)
	return g
}

// Registry returns the connection registry
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Stats is what the stats endpoint reports.
type Stats struct {
	registry.Stats
	Broker BrokerStats `json:"broker"`
}

type BrokerStats struct {
	Healthy       bool     `json:"healthy"`
	Subscriptions []string `json:"subscriptions"`
	Pending       []string `json:"pending"`
}

// Stats returns current relay statistics
func (g *Gateway) Stats() Stats {
	g.subMu.Lock()
	subs := make([]string, 0, len(g.subs))
	for ch := range g.subs {
		subs = append(subs, ch)
	}
	pending := make([]string, 0, len(g.pending))
	for ch := range g.pending {
		pending = append(pending, ch)
	}
	g.subMu.Unlock()

	sort.Strings(subs)
	sort.Strings(pending)
	return Stats{
		Stats: g.registry.Stats(),
		Broker: BrokerStats{
			Healthy:       g.broker.Healthy(),
			Subscriptions: subs,
			Pending:       pending,
		},
	}
}

// Presence reads the stored presence of identity.
func (g *Gateway) Presence(ctx context.Context, identity string) (presence.Record, error) {
	return g.presence.Get(ctx, identity)
}
