package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/markb/chatrelay/internal/log"
)

// Async feeds a Persister from a bounded queue so callers never wait on
// storage. A full queue drops the message.
type Async struct {
	p       Persister
	queue   chan Message
	timeout time.Duration

	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// AsyncStats counts what happened to enqueued messages.
type AsyncStats struct {
	Queued    int    `json:"queued"`
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

func NewAsync(p Persister, size int) *Async {
	if size <= 0 {
		size = 1024
	}
	return &Async{
		p:       p,
		queue:   make(chan Message, size),
		timeout: 10 * time.Second,
	}
}

// Enqueue never blocks. It reports false when the message was dropped.
func (a *Async) Enqueue(msg Message) bool {
	select {
	case a.queue <- msg:
		return true
	default:
		a.dropped.Add(1)
		log.Warn("store: persist queue full, dropping message", "channel", msg.Channel, "sender_id", msg.SenderID)
		return false
	}
}

// Run persists queued messages until ctx is cancelled, then drains what is
// left with a short deadline.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-a.queue:
			a.persist(ctx, msg)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	for {
		select {
		case msg := <-a.queue:
			a.persist(ctx, msg)
		default:
			return
		}
	}
}

func (a *Async) persist(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	id, err := a.p.Persist(ctx, msg)
	if err != nil {
		a.failed.Add(1)
		log.Warn("store: persist failed", "channel", msg.Channel, "error", err.Error())
		return
	}
	a.persisted.Add(1)
	log.Debug("store: persisted", "id", id, "channel", msg.Channel)
}

func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Queued:    len(a.queue),
		Persisted: a.persisted.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
	}
}
