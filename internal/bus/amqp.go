package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/aalto-grader/async-grader/internal/grlog"
)

// Queue/exchange names match original_source/asyncjob/tasks.py's
// kubernetes_events Queue/Exchange/'pod_events' routing key.
const (
	exchangeName = "kubernetes_events"
	queueName    = "kubernetes_events"
	routingKey   = "pod_events"
)

// AMQPBus is the durable Event Bus variant, grounded on
// original_source/kube_watcher/example4.py's deliver_events: persistent
// JSON messages, content_type=application/json, content_encoding=utf-8,
// delivery_mode=persistent, correlation_id=pod_id.
type AMQPBus struct {
	url    string
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger zerolog.Logger
}

// DialAMQPBus connects to the broker and declares the exchange/queue used
// by both producer (Watcher) and consumer (Completion Consumer).
func DialAMQPBus(url string) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open event bus channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPBus{url: url, conn: conn, ch: ch, logger: grlog.WithComponent("event-bus")}, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

func (b *AMQPBus) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return b.ch.PublishWithContext(publishCtx, exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   ev.Meta.PodID,
		Body:            body,
	})
}

func (b *AMQPBus) Consume(ctx context.Context) (<-chan Delivery, error) {
	deliveries, err := b.ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume event bus: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					b.logger.Error().Err(err).Msg("malformed event on bus, dropping")
					_ = d.Nack(false, false)
					continue
				}
				dd := d
				select {
				case out <- NewDelivery(ev,
					func() error { return dd.Ack(false) },
					func(requeue bool) error { return dd.Nack(false, requeue) },
				):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *AMQPBus) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
