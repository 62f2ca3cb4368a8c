package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"dev.helix.mq/internal/config"
	"dev.helix.mq/internal/queue"
)

// Queue argument names for broker extensions. The in-memory broker
// interprets the same keys so tests exercise identical topology specs.
const (
	ArgMaxPriority          = "x-max-priority"
	ArgMessageTTL           = "x-message-ttl"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// Broker is the AMQP implementation of queue.Broker. Publishes share a
// single confirm-mode channel; consumers and topology operations open
// their own channels so a failed operation cannot poison the publisher.
type Broker struct {
	conn *Connection
	cfg  config.BrokerConfig
	log  *zap.Logger

	mu    sync.RWMutex
	pubCh *amqp.Channel
}

// New wraps an established connection. The publisher channel is opened
// eagerly and reopened after every reconnect.
func New(conn *Connection, cfg config.BrokerConfig, log *zap.Logger) (*Broker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{conn: conn, cfg: cfg, log: log}
	if err := b.openPublisher(); err != nil {
		return nil, err
	}
	conn.OnReconnect(func() {
		if err := b.openPublisher(); err != nil {
			b.log.Error("Failed to reopen publisher channel", zap.Error(err))
		}
	})
	return b, nil
}

// Dial connects and wraps in one step.
func Dial(ctx context.Context, brokerURL string, cfg config.BrokerConfig, log *zap.Logger) (*Broker, error) {
	conn := NewConnection(brokerURL, cfg, log)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return New(conn, cfg, log)
}

// Connection exposes the managed connection for lifecycle hooks.
func (b *Broker) Connection() *Connection {
	return b.conn
}

func (b *Broker) openPublisher() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return queue.BrokerUnavailable("enable publisher confirms", err)
	}
	returns := ch.NotifyReturn(make(chan amqp.Return, 16))
	go b.logReturns(returns)

	b.mu.Lock()
	old := b.pubCh
	b.pubCh = ch
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// logReturns drains mandatory-publish returns. An unroutable request
// means the org topology is missing, which the producer surfaces as a
// confirm failure; the return here carries the broker's reply text.
func (b *Broker) logReturns(returns <-chan amqp.Return) {
	for r := range returns {
		b.log.Warn("Message returned as unroutable",
			zap.String("exchange", r.Exchange),
			zap.String("routing_key", r.RoutingKey),
			zap.String("reply_text", r.ReplyText))
	}
}

func (b *Broker) publisher() (*amqp.Channel, error) {
	b.mu.RLock()
	ch := b.pubCh
	b.mu.RUnlock()
	if ch == nil || !b.conn.IsConnected() {
		return nil, queue.BrokerUnavailable("publish", queue.ErrNotConnected)
	}
	return ch, nil
}

// Publish sends one message. When p.Confirm is set the call blocks
// until the broker acks, nacks, or the confirm timeout elapses.
func (b *Broker) Publish(ctx context.Context, p queue.Publication) error {
	ch, err := b.publisher()
	if err != nil {
		return err
	}

	exchange, key := p.Destination()
	pub := buildPublishing(p)

	pubCtx := ctx
	if b.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	if !p.Confirm {
		if err := ch.PublishWithContext(pubCtx, exchange, key, p.Mandatory, false, pub); err != nil {
			return queue.BrokerUnavailable("publish to "+destinationLabel(exchange, key), err)
		}
		return nil
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(pubCtx, exchange, key, p.Mandatory, false, pub)
	if err != nil {
		return queue.BrokerUnavailable("publish to "+destinationLabel(exchange, key), err)
	}

	confirmCtx := pubCtx
	if b.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		confirmCtx, cancel = context.WithTimeout(pubCtx, b.cfg.ConfirmTimeout)
		defer cancel()
	}
	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = queue.ErrConfirmTimeout
		}
		return queue.BrokerUnavailable("await publisher confirm for "+destinationLabel(exchange, key), err)
	}
	if !acked {
		return queue.BrokerUnavailable("message nacked by broker for "+destinationLabel(exchange, key), nil)
	}
	return nil
}

// buildPublishing maps a Publication onto the wire frame. Everything
// the queue publishes is persistent JSON.
func buildPublishing(p queue.Publication) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:  queue.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     p.Priority,
		Timestamp:    time.Now().UTC(),
		Body:         p.Body,
	}
	if len(p.Headers) > 0 {
		pub.Headers = amqp.Table(p.Headers)
	}
	if id, ok := p.Headers[queue.HeaderMessageID].(string); ok {
		pub.MessageId = id
	}
	if t, ok := p.Headers[queue.HeaderType].(string); ok {
		pub.Type = t
	}
	if p.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(p.Expiration.Milliseconds(), 10)
	}
	return pub
}

func destinationLabel(exchange, key string) string {
	if exchange == "" {
		return "queue " + key
	}
	return fmt.Sprintf("exchange %s key %s", exchange, key)
}

// Consume opens a manual-ack delivery stream from a queue. The stream
// closes when ctx is cancelled or the channel dies; unacked deliveries
// return to the queue when the channel closes.
func (b *Broker) Consume(ctx context.Context, queueName string, opts ...queue.ConsumeOption) (<-chan queue.Delivery, error) {
	options := queue.ApplyConsumeOptions(opts...)

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(options.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, queue.BrokerUnavailable("set channel QoS", err)
	}

	tag := options.ConsumerTag
	if tag == "" {
		tag = queueName + "." + uuid.NewString()[:8]
	}

	deliveries, err := ch.Consume(queueName, tag, false, options.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, queue.BrokerUnavailable("consume "+queueName, err)
	}

	b.log.Debug("Consumer started",
		zap.String("queue", queueName),
		zap.String("consumer_tag", tag),
		zap.Int("prefetch", options.Prefetch))

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(tag, false)
				return
			case d, ok := <-deliveries:
				if !ok {
					b.log.Warn("Consumer channel closed", zap.String("queue", queueName))
					return
				}
				select {
				case out <- toDelivery(queueName, d):
				case <-ctx.Done():
					// Not handed to a worker; put it straight back.
					_ = d.Nack(false, true)
					_ = ch.Cancel(tag, false)
					return
				}
			}
		}
	}()
	return out, nil
}

func toDelivery(queueName string, d amqp.Delivery) queue.Delivery {
	return queue.Delivery{
		Queue:       queueName,
		Body:        d.Body,
		Headers:     map[string]any(d.Headers),
		Priority:    d.Priority,
		Redelivered: d.Redelivered,
		AckFunc: func() error {
			return d.Ack(false)
		},
		NackFunc: func(requeue bool) error {
			return d.Nack(false, requeue)
		},
	}
}

// QueueDepth returns the ready-message count via a passive inspect.
func (b *Broker) QueueDepth(ctx context.Context, name string) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueInspect(name)
	if err != nil {
		return 0, queue.BrokerUnavailable("inspect queue "+name, err)
	}
	return q.Messages, nil
}

// DeclareQueue declares a durable queue idempotently. A dedicated
// channel isolates declaration failures from the publisher.
func (b *Broker) DeclareQueue(ctx context.Context, spec queue.QueueSpec) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(spec.Name, spec.Durable, false, false, false, amqp.Table(spec.Args)); err != nil {
		return queue.BrokerUnavailable("declare queue "+spec.Name, err)
	}
	return nil
}

// DeclareExchange declares an exchange idempotently.
func (b *Broker) DeclareExchange(ctx context.Context, spec queue.ExchangeSpec) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	kind := spec.Kind
	if kind == "" {
		kind = "direct"
	}
	if err := ch.ExchangeDeclare(spec.Name, kind, spec.Durable, false, false, false, nil); err != nil {
		return queue.BrokerUnavailable("declare exchange "+spec.Name, err)
	}
	return nil
}

// BindQueue binds a queue to an exchange.
func (b *Broker) BindQueue(ctx context.Context, spec queue.BindSpec) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.QueueBind(spec.Queue, spec.RoutingKey, spec.Exchange, false, nil); err != nil {
		return queue.BrokerUnavailable(
			fmt.Sprintf("bind queue %s to exchange %s", spec.Queue, spec.Exchange), err)
	}
	return nil
}

// DeleteQueue removes a queue regardless of contents.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDelete(name, false, false, false); err != nil {
		return queue.BrokerUnavailable("delete queue "+name, err)
	}
	return nil
}

// PurgeQueue drops all ready messages from a queue and returns the
// purged count.
func (b *Broker) PurgeQueue(ctx context.Context, name string) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	n, err := ch.QueuePurge(name, false)
	if err != nil {
		return 0, queue.BrokerUnavailable("purge queue "+name, err)
	}
	return n, nil
}

// Close closes the publisher channel and the underlying connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	b.mu.Unlock()
	return b.conn.Close()
}
