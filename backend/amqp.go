package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/config"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the RabbitMQ adapter.
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPAdapter publishes each record as a persistent JSON message on a
// durable queue.
type AMQPAdapter struct {
	queue string

	mu   sync.Mutex // amqp channels are not safe for concurrent publishing
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPAdapter dials the broker and declares the queue.
func NewAMQPAdapter(cfg AMQPConfig) (*AMQPAdapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = config.DefaultAMQPQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare amqp queue %s: %w", queue, err)
	}
	return &AMQPAdapter{queue: queue, conn: conn, ch: ch}, nil
}

// Name implements Adapter.
func (a *AMQPAdapter) Name() string { return "amqp" }

// Send implements Adapter.
func (a *AMQPAdapter) Send(ctx context.Context, rec record.CallRecord) error {
	body, err := rec.Marshal()
	if err != nil {
		return newEncodingError(a.Name(), err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return newNetworkError(a.Name(), amqp.ErrClosed)
	}
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.CallID,
		Type:         rec.SDKMethod,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return newNetworkError(a.Name(), err)
	}
	return nil
}

// Close implements Adapter.
func (a *AMQPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
		a.ch = nil
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
		a.conn = nil
	}
	return errors.Join(errs...)
}
