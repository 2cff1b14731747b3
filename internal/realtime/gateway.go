package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/chatrelay/internal/bus"
	"github.com/markb/chatrelay/internal/channel"
	"github.com/markb/chatrelay/internal/log"
	"github.com/markb/chatrelay/internal/presence"
	"github.com/markb/chatrelay/internal/registry"
)

func (g *Gateway) track(conn *Conn) bool {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	if g.closing.Load() {
		return false
	}
	g.conns[conn.id] = conn
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(conn *Conn) {
	g.connsMu.Lock()
	delete(g.conns, conn.id)
	g.connsMu.Unlock()
	g.wg.Done()
}

func (g *Gateway) lookup(connID string) *Conn {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	return g.conns[connID]
}

// evict closes a recipient that failed a broadcast write. Its read loop then
// unwinds and tears it down.
func (g *Gateway) evict(connID string, err error) {
	if c := g.lookup(connID); c != nil {
		log.Warn("realtime: evicting connection", "conn_id", connID, "error", err.Error())
		c.Close()
	}
}

// serve runs one connection from handshake to teardown. token is the raw
// bearer token presented on the upgrade request.
func (g *Gateway) serve(conn *Conn, token string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer g.teardown(conn)

	go conn.writePump()

	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.metrics.Rejected(ctx, CodeUnauthorized)
		log.Debug("realtime: handshake rejected", "conn_id", conn.id, "error", err.Error())
		conn.CloseWith(websocket.ClosePolicyViolation, "unauthorized: "+strings.TrimPrefix(err.Error(), "unauthorized: "))
		return
	}
	conn.identity = identity.ID
	conn.setState(StateAuthenticated)

	if err := g.activate(ctx, conn); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			log.Error("realtime: connection registered twice", "conn_id", conn.id, "identity", conn.identity)
		} else {
			log.Error("realtime: activation failed", "conn_id", conn.id, "identity", conn.identity, "error", err.Error())
		}
		conn.CloseWith(websocket.CloseInternalServerErr, "internal: activation failed")
		return
	}

	if g.cfg.PresenceRefresh > 0 {
		conn.keepalive = make(chan struct{})
		go g.keepPresence(conn)
	}

	conn.readPump(func(data []byte) {
		g.handleFrame(ctx, conn, data)
	})
}

// activate registers the connection, marks the identity online and joins its
// initial channels. The connection is ACTIVE once it returns nil.
func (g *Gateway) activate(ctx context.Context, conn *Conn) error {
	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	if err := g.registry.Register(conn.id, conn.identity, conn); err != nil {
		return err
	}
	conn.registered = true

	g.transition(opCtx, conn.identity, conn.id, presence.Online)

	channels, err := g.authority.InitialChannels(opCtx, conn.identity)
	if err != nil {
		return fmt.Errorf("initial channels: %w", err)
	}
	for _, ch := range channels {
		if err := g.join(opCtx, conn, ch); err != nil {
			return err
		}
	}

	conn.setState(StateActive)
	g.metrics.ConnOpened(ctx)
	log.Debug("realtime: connection active", "conn_id", conn.id, "identity", conn.identity, "channels", len(channels))

	g.announce(opCtx, conn.identity, conn.id, EventUserJoined)
	return nil
}

// teardown moves the connection to CLOSED and removes every trace of it.
func (g *Gateway) teardown(conn *Conn) {
	prev := conn.State()
	conn.setState(StateClosed)
	conn.Close()
	defer g.untrack(conn)
	if conn.keepalive != nil {
		<-conn.keepalive
	}

	if !conn.registered {
		return
	}

	rm, err := g.registry.Unregister(conn.id)
	if err != nil {
		log.Error("realtime: unregister failed", "conn_id", conn.id, "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()

	for _, ch := range rm.Emptied {
		g.reconcile(ctx, ch)
	}
	if rm.LastForIdentity {
		g.transition(ctx, rm.Identity, conn.id, presence.Offline)
	}
	if prev == StateActive {
		g.metrics.ConnClosed(ctx)
		g.announce(ctx, rm.Identity, conn.id, EventUserLeft)
	}
	log.Debug("realtime: connection closed", "conn_id", conn.id, "identity", rm.Identity, "last", rm.LastForIdentity)
}

// transition is the only writer of presence. It runs once when a connection
// becomes active and once when an identity's last connection closes.
func (g *Gateway) transition(ctx context.Context, identity, connID string, status presence.Status) {
	var session *presence.Session
	if status == presence.Offline {
		// A new connection may have registered since the last one left.
		if len(g.registry.ConnectionsOf(identity)) > 0 {
			return
		}
	} else {
		session = &presence.Session{ConnectionID: connID}
	}
	if err := g.presence.SetStatus(ctx, identity, status, session); err != nil {
		log.Warn("realtime: presence update failed", "identity", identity, "status", string(status), "error", err.Error())
	}
}

// keepPresence refreshes the ONLINE record of conn until it closes, so a
// presence TTL never expires a live connection.
func (g *Gateway) keepPresence(conn *Conn) {
	defer close(conn.keepalive)
	ticker := time.NewTicker(g.cfg.PresenceRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
			g.transition(ctx, conn.identity, conn.id, presence.Online)
			cancel()
		}
	}
}

func (g *Gateway) join(ctx context.Context, conn *Conn, name string) error {
	if _, err := g.registry.Join(conn.id, name); err != nil {
		return err
	}
	g.reconcile(ctx, name)
	return nil
}

func (g *Gateway) leave(ctx context.Context, conn *Conn, name string) {
	if g.registry.Leave(conn.id, name) {
		g.reconcile(ctx, name)
	}
}

// reconcile brings the broker subscription for name in line with the local
// listener count. Subscriptions the broker refused while down are kept
// pending until the bus reconnects.
func (g *Gateway) reconcile(ctx context.Context, name string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	listeners := g.registry.Listeners(name)
	sub, subscribed := g.subs[name]

	switch {
	case listeners > 0 && !subscribed:
		g.subscribeLocked(ctx, name)

	case listeners == 0 && subscribed:
		delete(g.subs, name)
		if err := sub.Cancel(ctx); err != nil {
			log.Warn("realtime: unsubscribe failed", "channel", name, "error", err.Error())
		}

	case listeners == 0:
		delete(g.pending, name)
	}
}

// subscribeLocked must be called with g.subMu held.
func (g *Gateway) subscribeLocked(ctx context.Context, name string) {
	sub, err := g.broker.Subscribe(ctx, name, g.handlerFor(name))
	if err != nil {
		g.pending[name] = struct{}{}
		log.Warn("realtime: subscribe deferred", "channel", name, "error", err.Error())
		return
	}
	delete(g.pending, name)
	g.subs[name] = sub
}

// resync retries deferred subscriptions after the broker came back.
func (g *Gateway) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()

	g.subMu.Lock()
	defer g.subMu.Unlock()

	for name := range g.pending {
		if _, ok := g.subs[name]; ok || g.registry.Listeners(name) == 0 {
			delete(g.pending, name)
			continue
		}
		g.subscribeLocked(ctx, name)
	}
	log.Info("realtime: subscriptions resynced", "pending", len(g.pending))
}

func (g *Gateway) handlerFor(key string) bus.Handler {
	return func(ch string, payload []byte) {
		g.deliver(key, ch, payload)
	}
}

// deliver renders a broker payload received on ch and broadcasts it to the
// local listeners of key. Direct messages arrive through both parties'
// patterns and are only delivered through the recipient's.
func (g *Gateway) deliver(key, ch string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn("realtime: undecodable broker payload", "channel", ch, "error", err.Error())
		return
	}
	if channel.IsPattern(key) && key != recipientKey(ch, env) {
		return
	}

	frame, err := env.Render()
	if err != nil {
		log.Warn("realtime: unrenderable envelope", "channel", ch, "error", err.Error())
		return
	}
	n := g.registry.LocalBroadcastExcept(key, env.Origin, frame)
	g.metrics.Delivered(context.Background(), n)
}

// recipientKey returns the pattern of env.To that matches the direct channel ch.
func recipientKey(ch string, env Envelope) string {
	if env.Kind != KindDirect {
		return ""
	}
	ref, err := channel.Parse(ch)
	if err != nil || ref.Kind != channel.KindDirect {
		return ""
	}
	first, second, err := channel.DirectPatterns(env.To)
	if err != nil {
		return ""
	}
	if ref.Parties[0] == env.To {
		return first
	}
	return second
}

// publish sends env through the broker. While the broker is down the message
// is delivered to this process's listeners only.
func (g *Gateway) publish(ctx context.Context, env *Envelope) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Ts.IsZero() {
		env.Ts = time.Now().UTC()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = g.broker.Publish(ctx, env.Channel, payload)
	switch {
	case err == nil:
		g.metrics.Published(ctx, env.Kind)
		return nil
	case errors.Is(err, bus.ErrBrokerUnavailable):
		log.Warn("realtime: broker unavailable, delivering locally", "channel", env.Channel)
		g.metrics.Degraded(ctx)
		keys, ferr := channel.Fanout(env.Channel)
		if ferr != nil {
			return ferr
		}
		for _, key := range keys {
			g.deliver(key, env.Channel, payload)
		}
		return nil
	default:
		return err
	}
}

// announce publishes user-joined or user-left on the public channel. The
// connection connID is left out of the fan-out.
func (g *Gateway) announce(ctx context.Context, identity, connID, event string) {
	verb := "joined"
	if event == EventUserLeft {
		verb = "left"
	}
	env := &Envelope{
		Kind:     KindPresence,
		Event:    event,
		Channel:  channel.Public(),
		SenderID: identity,
		Content:  fmt.Sprintf("%s %s the chat", identity, verb),
		Origin:   connID,
	}
	if err := g.publish(ctx, env); err != nil {
		log.Warn("realtime: announce failed", "identity", identity, "event", event, "error", err.Error())
	}
}

// Notify sends a server notice to identity's inbox when it is online. It
// reports whether the notice was published.
func (g *Gateway) Notify(ctx context.Context, identity, content string) (bool, error) {
	inbox, err := channel.Inbox(identity)
	if err != nil {
		return false, err
	}
	status, err := g.presence.GetStatus(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("read presence: %w", err)
	}
	if status != presence.Online {
		return false, nil
	}

	env := &Envelope{Kind: KindNotice, Channel: inbox, SenderID: "system", Content: content}
	if err := g.publish(ctx, env); err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown closes every connection with 1001 and waits for their teardown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.connsMu.Lock()
	g.closing.Store(true)
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
