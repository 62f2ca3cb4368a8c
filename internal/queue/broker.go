package queue

import (
	"context"
	"time"
)

// Publication describes one message handed to the broker. Requests and
// retries address a queue through the default exchange; responses
// address an exchange with the agent's routing key.
type Publication struct {
	// Queue is the destination when publishing via the default
	// exchange. Mutually exclusive with Exchange/RoutingKey.
	Queue string
	// Exchange and RoutingKey address a declared exchange.
	Exchange   string
	RoutingKey string
	// Body is the JSON-encoded payload.
	Body []byte
	// Headers mirror the routing-relevant envelope fields.
	Headers map[string]any
	// Priority is the raw broker priority (0..9).
	Priority uint8
	// Expiration sets a per-message TTL when non-zero.
	Expiration time.Duration
	// Confirm waits for a publisher confirm before returning.
	Confirm bool
	// Mandatory returns unroutable messages instead of dropping them.
	Mandatory bool
}

// Destination returns the routing pair the broker publishes to.
func (p Publication) Destination() (exchange, key string) {
	if p.Queue != "" {
		return "", p.Queue
	}
	return p.Exchange, p.RoutingKey
}

// Delivery is one consumed message plus its acknowledgement hooks.
// Ack and Nack are idempotent from the broker's point of view only for
// the first call; callers invoke exactly one of them once.
type Delivery struct {
	Queue       string
	Body        []byte
	Headers     map[string]any
	Priority    uint8
	Redelivered bool

	AckFunc  func() error
	NackFunc func(requeue bool) error
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack() error {
	if d.AckFunc == nil {
		return nil
	}
	return d.AckFunc()
}

// Nack rejects the delivery, optionally requeueing it.
func (d *Delivery) Nack(requeue bool) error {
	if d.NackFunc == nil {
		return nil
	}
	return d.NackFunc(requeue)
}

// ConsumeOptions tune a consumer subscription.
type ConsumeOptions struct {
	// Prefetch caps unacknowledged deliveries to this consumer.
	Prefetch int
	// ConsumerTag names the consumer for cancellation and logs.
	ConsumerTag string
	// Exclusive requests sole access to the queue.
	Exclusive bool
}

// DefaultConsumeOptions returns the worker defaults.
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{Prefetch: 10}
}

// ConsumeOption configures a subscription.
type ConsumeOption func(*ConsumeOptions)

// ApplyConsumeOptions folds options over the defaults.
func ApplyConsumeOptions(opts ...ConsumeOption) ConsumeOptions {
	options := DefaultConsumeOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithPrefetch caps unacknowledged deliveries.
func WithPrefetch(n int) ConsumeOption {
	return func(o *ConsumeOptions) {
		if n > 0 {
			o.Prefetch = n
		}
	}
}

// WithConsumerTag names the consumer.
func WithConsumerTag(tag string) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.ConsumerTag = tag
	}
}

// WithExclusive requests sole access to the queue.
func WithExclusive() ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Exclusive = true
	}
}

// QueueSpec declares one queue.
type QueueSpec struct {
	Name    string
	Durable bool
	// Args carries broker extensions: max priority, dead-letter
	// routing, per-queue TTL.
	Args map[string]any
}

// ExchangeSpec declares one exchange.
type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// BindSpec binds a queue to an exchange.
type BindSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Publisher publishes messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, p Publication) error
}

// Consumer opens delivery streams from queues.
type Consumer interface {
	Consume(ctx context.Context, queue string, opts ...ConsumeOption) (<-chan Delivery, error)
}

// Inspector reads queue state without consuming.
type Inspector interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// Topology declares and removes broker resources idempotently.
type Topology interface {
	DeclareQueue(ctx context.Context, spec QueueSpec) error
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	BindQueue(ctx context.Context, spec BindSpec) error
	DeleteQueue(ctx context.Context, name string) error
	PurgeQueue(ctx context.Context, name string) (int, error)
}

// Broker is the full transport contract the queue runs on. The AMQP
// implementation satisfies it against a live broker; the in-memory
// implementation satisfies it for tests.
type Broker interface {
	Publisher
	Consumer
	Inspector
	Topology
	Close() error
}
