package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/markb/chatrelay/internal/log"
)

// QueueConfig configures a QueuePersister.
type QueueConfig struct {
	URL            string
	Queue          string
	ConfirmTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *QueueConfig) setDefaults() {
	if c.Queue == "" {
		c.Queue = "message_queue"
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// QueuePersister hands messages to a durable RabbitMQ queue, leaving the
// actual storage to whatever consumes it. Publishes use confirms so Persist
// only succeeds once the broker has taken the message.
type QueuePersister struct {
	cfg QueueConfig

	connMtx sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	reconnectCh chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func NewQueuePersister(cfg QueueConfig) *QueuePersister {
	cfg.setDefaults()
	return &QueuePersister{
		cfg:         cfg,
		reconnectCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Connect dials the broker, enables confirms and declares the queue.
func (q *QueuePersister) Connect(ctx context.Context) error {
	if q.closed() {
		return fmt.Errorf("%w: closed", ErrQueueUnavailable)
	}

	q.connMtx.Lock()
	defer q.connMtx.Unlock()

	conn, err := amqp.DialConfig(q.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrQueueUnavailable, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: open channel: %v", ErrQueueUnavailable, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("%w: enable confirms: %v", ErrQueueUnavailable, err)
	}
	if _, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("%w: declare queue: %v", ErrQueueUnavailable, err)
	}

	q.conn = conn
	q.channel = ch

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			log.Error("store: rabbitmq connection closed", "error", err.Error())
		}
		q.connMtx.Lock()
		if q.conn == conn {
			q.conn, q.channel = nil, nil
		}
		q.connMtx.Unlock()
		q.triggerReconnect()
	}()

	log.Info("store: rabbitmq connected", "queue", q.cfg.Queue)
	return nil
}

func (q *QueuePersister) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *QueuePersister) triggerReconnect() {
	select {
	case q.reconnectCh <- struct{}{}:
	default:
	}
}

// Run keeps the connection alive until ctx is cancelled or Close is called.
// An initial connection that failed is retried here too.
func (q *QueuePersister) Run(ctx context.Context) error {
	if !q.Connected() {
		q.triggerReconnect()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case <-q.reconnectCh:
		}
		if q.closed() {
			return nil
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = q.cfg.InitialBackoff
		bo.MaxInterval = q.cfg.MaxBackoff
		bo.Reset()

		for !q.Connected() {
			err := q.Connect(ctx)
			if err == nil {
				break
			}
			wait := bo.NextBackOff()
			log.Warn("store: rabbitmq reconnect failed", "error", err.Error(), "retry_in", wait.String())

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-q.done:
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
}

// Connected reports whether a channel is open.
func (q *QueuePersister) Connected() bool {
	q.connMtx.Lock()
	defer q.connMtx.Unlock()
	return q.channel != nil
}

func (q *QueuePersister) Persist(ctx context.Context, msg Message) (string, error) {
	msg = normalize(msg)
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	q.connMtx.Lock()
	defer q.connMtx.Unlock()

	if q.channel == nil {
		return "", ErrQueueUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.ConfirmTimeout)
	defer cancel()

	confirm, err := q.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",
		q.cfg.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.CreatedAt,
			Body:         body,
		})
	if err != nil {
		return "", fmt.Errorf("%w: publish: %v", ErrQueueUnavailable, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: confirm: %v", ErrQueueUnavailable, err)
	}
	if !acked {
		return "", fmt.Errorf("%w: nacked by server", ErrQueueUnavailable)
	}
	return msg.ID, nil
}

func (q *QueuePersister) Close() error {
	var finalErr error
	q.closeOnce.Do(func() {
		close(q.done)

		q.connMtx.Lock()
		defer q.connMtx.Unlock()

		if q.conn != nil {
			if err := q.conn.Close(); err != nil {
				finalErr = fmt.Errorf("connection close error: %w", err)
			}
		}
		q.conn, q.channel = nil, nil
	})
	return finalErr
}
