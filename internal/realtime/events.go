package realtime

import (
	"context"
	"errors"

	"github.com/markb/chatrelay/internal/bus"
	"github.com/markb/chatrelay/internal/channel"
	"github.com/markb/chatrelay/internal/log"
	"github.com/markb/chatrelay/internal/presence"
	"github.com/markb/chatrelay/internal/store"
)

// handleFrame runs one inbound frame through the active connection. Errors are
// reported to the sender only.
func (g *Gateway) handleFrame(ctx context.Context, conn *Conn, data []byte) {
	if conn.State() != StateActive {
		return
	}

	frame, in, err := Decode(data)
	if err != nil {
		g.reject(ctx, conn, err, frame.Ref)
		return
	}
	if !conn.limiter.Allow() {
		g.reject(ctx, conn, protoErr(CodeRateLimited, "too many events"), frame.Ref)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
	defer cancel()

	if err := g.dispatch(opCtx, conn, in); err != nil {
		g.reject(ctx, conn, err, frame.Ref)
		return
	}
	if frame.Ref != "" || frame.Event == EventHeartbeat {
		conn.Send(replyFrame(frame.Ref))
	}
}

func (g *Gateway) reject(ctx context.Context, conn *Conn, err error, ref string) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		g.metrics.Rejected(ctx, pe.Code)
	} else {
		log.Error("realtime: event failed", "conn_id", conn.id, "identity", conn.identity, "error", err.Error())
		g.metrics.Rejected(ctx, CodeInternal)
	}
	if serr := conn.Send(errorFrame(err, ref)); serr != nil {
		log.Debug("realtime: error frame dropped", "conn_id", conn.id, "error", serr.Error())
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *Conn, in Inbound) error {
	switch m := in.(type) {
	case PublicMsg:
		return g.sendPublic(ctx, conn, m)
	case DirectMsg:
		return g.sendDirect(ctx, conn, m)
	case RoomMsg:
		return g.sendRoom(ctx, conn, m)
	case ChatMsg:
		return g.sendChat(ctx, conn, m)
	case JoinRoom:
		return g.joinRoom(ctx, conn, m)
	case LeaveRoom:
		return g.leaveRoom(ctx, conn, m)
	case Heartbeat:
		if g.cfg.PresenceRefresh > 0 {
			g.transition(ctx, conn.identity, conn.id, presence.Online)
		}
		return nil
	}
	return protoErr(CodeUnknownEvent, "unsupported event")
}

func (g *Gateway) sendPublic(ctx context.Context, conn *Conn, m PublicMsg) error {
	env := &Envelope{Kind: KindPublic, Channel: channel.Public(), SenderID: conn.identity, Content: m.Content}
	return g.relay(ctx, env)
}

func (g *Gateway) sendDirect(ctx context.Context, conn *Conn, m DirectMsg) error {
	name, err := channel.Direct(conn.identity, m.To)
	if err != nil {
		return protoErr(CodeInvalidChannel, "invalid recipient %q", m.To)
	}
	env := &Envelope{Kind: KindDirect, Channel: name, SenderID: conn.identity, To: m.To, Content: m.Content}
	if err := g.relay(ctx, env); err != nil {
		return err
	}
	g.enqueue(store.Message{
		ID: env.ID, Kind: KindDirect, Channel: name, SenderID: conn.identity,
		ReceiverID: m.To, Content: m.Content, CreatedAt: env.Ts,
	})
	return nil
}

func (g *Gateway) sendRoom(ctx context.Context, conn *Conn, m RoomMsg) error {
	name, err := g.authorize(ctx, conn, m.RoomID)
	if err != nil {
		return err
	}
	env := &Envelope{Kind: KindRoom, Channel: name, SenderID: conn.identity, RoomID: m.RoomID, Content: m.Content}
	if err := g.relay(ctx, env); err != nil {
		return err
	}
	g.enqueue(store.Message{
		ID: env.ID, Kind: KindRoom, Channel: name, SenderID: conn.identity,
		RoomID: m.RoomID, Content: m.Content, CreatedAt: env.Ts,
	})
	return nil
}

func (g *Gateway) sendChat(ctx context.Context, conn *Conn, m ChatMsg) error {
	env := &Envelope{
		Kind:     KindChat,
		Channel:  channel.Chat(),
		SenderID: conn.identity,
		MemberID: m.MemberID,
		Topic:    m.Topic,
		Content:  m.Content,
	}
	if err := g.relay(ctx, env); err != nil {
		return err
	}
	g.enqueue(store.Message{
		ID: env.ID, Kind: KindChat, Channel: channel.Chat(), SenderID: conn.identity,
		ReceiverID: m.MemberID, Content: m.Content, CreatedAt: env.Ts,
	})
	return nil
}

func (g *Gateway) joinRoom(ctx context.Context, conn *Conn, m JoinRoom) error {
	name, err := g.authorize(ctx, conn, m.RoomID)
	if err != nil {
		return err
	}
	if err := g.join(ctx, conn, name); err != nil {
		return err
	}
	log.Debug("realtime: joined room", "conn_id", conn.id, "channel", name)
	return nil
}

// leaveRoom is idempotent. Leaving a room never consults membership.
func (g *Gateway) leaveRoom(ctx context.Context, conn *Conn, m LeaveRoom) error {
	name, err := channel.Room(m.RoomID)
	if err != nil {
		return protoErr(CodeInvalidChannel, "invalid room id %q", m.RoomID)
	}
	g.leave(ctx, conn, name)
	return nil
}

// authorize resolves a room id to its channel and checks membership.
func (g *Gateway) authorize(ctx context.Context, conn *Conn, roomID string) (string, error) {
	name, err := channel.Room(roomID)
	if err != nil {
		return "", protoErr(CodeInvalidChannel, "invalid room id %q", roomID)
	}
	ok, err := g.authority.CanJoin(ctx, conn.identity, name)
	if err != nil {
		if errors.Is(err, channel.ErrInvalidChannel) {
			return "", protoErr(CodeInvalidChannel, "invalid room id %q", roomID)
		}
		return "", err
	}
	if !ok {
		return "", protoErr(CodeForbidden, "not a member of room %q", roomID)
	}
	return name, nil
}

// relay publishes env and maps broker failures to protocol errors.
func (g *Gateway) relay(ctx context.Context, env *Envelope) error {
	err := g.publish(ctx, env)
	if err == nil {
		return nil
	}
	if errors.Is(err, bus.ErrClosed) || errors.Is(err, bus.ErrBrokerUnavailable) {
		return protoErr(CodeBrokerUnavailable, "message not relayed")
	}
	if errors.Is(err, channel.ErrInvalidChannel) {
		return protoErr(CodeInvalidChannel, "%s", err.Error())
	}
	return err
}

func (g *Gateway) enqueue(msg store.Message) {
	// The persister logs the drop itself.
	if !g.persist.Enqueue(msg) {
		log.Debug("realtime: message not queued for persistence", "id", msg.ID)
	}
}
