package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/clinic/internal/platform/breaker"
)

// channel is the slice of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends events to a durable RabbitMQ queue through a circuit
// breaker.
type AMQPPublisher struct {
	conn   *amqp.Connection
	ch     channel
	queue  string
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

func NewAMQPPublisher(amqpURL, queue string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	p := newAMQPPublisher(ch, queue, breaker.New("amqp-events", logger), logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch channel, queue string, cb *gobreaker.CircuitBreaker, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, queue: queue, cb: cb, logger: logger}
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return ctx.Err()
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.ch.PublishWithContext(
			ctx,
			"",      // default exchange
			p.queue, // routing key == queue name
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    evt.ID,
				Type:         evt.Type,
				Timestamp:    evt.OccurredAt,
				Body:         body,
			},
		)
	})
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", evt.Type).Msg("publish event")
	}
	return err
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
