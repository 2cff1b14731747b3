// Package registry tracks live connections on this process: who they belong
// to and which channels each one listens on.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/markb/chatrelay/internal/log"
)

var (
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotRegistered     = errors.New("connection not registered")
)

// Sender is the outbound side of one connection. Send must not block; a full
// or closed connection returns an error.
type Sender interface {
	Send(payload []byte) error
}

// Removal describes what Unregister took away.
type Removal struct {
	Identity string
	// Channels the connection had joined.
	Channels []string
	// Emptied lists the channels left without any local listener.
	Emptied []string
	// LastForIdentity is true when the identity has no other connection here.
	LastForIdentity bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections    int            `json:"connections"`
	Identities     int            `json:"identities"`
	Channels       int            `json:"channels"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Channel   string `json:"channel"`
	Listeners int    `json:"listeners"`
}

type member struct {
	id       string
	identity string
	sender   Sender
	channels map[string]struct{}
}

// Registry is the two-way index identity->connections and
// channel->connections. One lock guards both so readers never observe them
// out of step.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*member
	byIdentity map[string]map[string]struct{}
	byChannel  map[string]map[string]*member

	evict func(connID string, err error)
}

func New() *Registry {
	return &Registry{
		conns:      make(map[string]*member),
		byIdentity: make(map[string]map[string]struct{}),
		byChannel:  make(map[string]map[string]*member),
	}
}

// OnEvict sets the callback for recipients whose Send failed during a
// broadcast. The callback is expected to close the connection, which in turn
// unregisters it. It runs without the registry lock held.
func (r *Registry) OnEvict(fn func(connID string, err error)) {
	r.mu.Lock()
	r.evict = fn
	r.mu.Unlock()
}

// Register adds a connection. It must happen exactly once, before any Join.
func (r *Registry) Register(connID, identity string, sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[connID] = &member{
		id:       connID,
		identity: identity,
		sender:   sender,
		channels: make(map[string]struct{}),
	}

	ids, ok := r.byIdentity[identity]
	if !ok {
		ids = make(map[string]struct{})
		r.byIdentity[identity] = ids
	}
	ids[connID] = struct{}{}
	return nil
}

// Join adds connID to channel's listeners. first reports whether the channel
// had no local listener before. Joining twice is a no-op.
func (r *Registry) Join(connID, channel string) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return false, ErrNotRegistered
	}
	if _, joined := m.channels[channel]; joined {
		return false, nil
	}

	listeners, ok := r.byChannel[channel]
	if !ok {
		listeners = make(map[string]*member)
		r.byChannel[channel] = listeners
	}
	first = len(listeners) == 0
	listeners[connID] = m
	m.channels[channel] = struct{}{}
	return first, nil
}

// Leave removes connID from channel. last reports whether the channel lost
// its final local listener. Leaving a channel not joined is a no-op.
func (r *Registry) Leave(connID, channel string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, joined := m.channels[channel]; !joined {
		return false
	}
	delete(m.channels, channel)
	return r.dropListener(channel, connID)
}

// dropListener must be called with r.mu held.
func (r *Registry) dropListener(channel, connID string) bool {
	listeners := r.byChannel[channel]
	delete(listeners, connID)
	if len(listeners) == 0 {
		delete(r.byChannel, channel)
		return true
	}
	return false
}

// Unregister removes connID from every index in one step.
func (r *Registry) Unregister(connID string) (Removal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return Removal{}, ErrNotRegistered
	}
	delete(r.conns, connID)

	rm := Removal{Identity: m.identity}
	for ch := range m.channels {
		rm.Channels = append(rm.Channels, ch)
		if r.dropListener(ch, connID) {
			rm.Emptied = append(rm.Emptied, ch)
		}
	}
	sort.Strings(rm.Channels)
	sort.Strings(rm.Emptied)

	ids := r.byIdentity[m.identity]
	delete(ids, connID)
	if len(ids) == 0 {
		delete(r.byIdentity, m.identity)
		rm.LastForIdentity = true
	}
	return rm, nil
}

// LocalBroadcast writes payload to every local listener of channel and
// returns how many accepted it. A failing recipient never stops the others;
// it is logged and handed to the evict callback.
func (r *Registry) LocalBroadcast(channel string, payload []byte) int {
	return r.LocalBroadcastExcept(channel, "", payload)
}

// LocalBroadcastExcept is LocalBroadcast skipping the connection exceptID.
func (r *Registry) LocalBroadcastExcept(channel, exceptID string, payload []byte) int {
	r.mu.RLock()
	listeners := r.byChannel[channel]
	recipients := make([]*member, 0, len(listeners))
	for id, m := range listeners {
		if id == exceptID {
			continue
		}
		recipients = append(recipients, m)
	}
	evict := r.evict
	r.mu.RUnlock()

	delivered := 0
	for _, m := range recipients {
		if err := m.sender.Send(payload); err != nil {
			log.Warn("registry: dropping recipient", "conn_id", m.id, "channel", channel, "error", err.Error())
			if evict != nil {
				evict(m.id, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Listeners returns the number of local listeners of channel.
func (r *Registry) Listeners(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

// Identity returns the identity a connection was registered with.
func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return m.identity, true
}

// ConnectionsOf lists the connection ids of identity, sorted.
func (r *Registry) ConnectionsOf(identity string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byIdentity[identity]))
	for id := range r.byIdentity[identity] {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Joined lists the channels connID has joined, sorted.
func (r *Registry) Joined(connID string) []string {
	r.mu.RLock()
	var out []string
	if m, ok := r.conns[connID]; ok {
		out = make([]string, 0, len(m.channels))
		for ch := range m.channels {
			out = append(out, ch)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats returns current registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Connections:    len(r.conns),
		Identities:     len(r.byIdentity),
		Channels:       len(r.byChannel),
		ChannelDetails: make([]ChannelStats, 0, len(r.byChannel)),
	}
	for ch, listeners := range r.byChannel {
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Channel:   ch,
			Listeners: len(listeners),
		})
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Channel < stats.ChannelDetails[j].Channel
	})
	return stats
}
