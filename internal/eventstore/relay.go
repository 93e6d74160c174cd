package eventstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/salescommand/backbone/pkg/config"
	"github.com/salescommand/backbone/pkg/logger"
)

// RelayName is the subscriber name the relay registers on the bus.
const RelayName = "EventRelay"

// Relay republishes every domain event to a RabbitMQ topic exchange so
// downstream consumers (analytics, data lake loaders) can follow the stream
// without touching the event store.
type Relay struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *config.RabbitMQConfig
	log     *logger.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewRelay creates a relay connected to RabbitMQ and starts the reconnect
// monitor.
func NewRelay(cfg *config.RabbitMQConfig, log *logger.Logger) (*Relay, error) {
	r := &Relay{
		config: cfg,
		log:    log,
	}

	if err := r.connect(); err != nil {
		return nil, err
	}

	go r.monitorConnection()

	return r, nil
}

// Attach subscribes the relay to all events on the bus.
func (r *Relay) Attach(bus *Bus) {
	bus.SubscribeAll(RelayName, r.Handle)
}

// Handle publishes one event to the exchange. The routing key is derived from
// the aggregate and event type, e.g. "opportunity.OdooOpportunitySynced".
func (r *Relay) Handle(ctx context.Context, event *Event) error {
	r.mu.RLock()
	channel := r.channel
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return fmt.Errorf("relay is closed")
	}
	if channel == nil {
		return fmt.Errorf("relay is not connected")
	}

	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := fmt.Sprintf("%s.%s", strings.ToLower(string(event.AggregateType)), event.Type)

	err = channel.PublishWithContext(ctx,
		r.config.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Type:         string(event.Type),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to relay event: %w", err)
	}

	return nil
}

// connect establishes the connection and declares the exchange.
func (r *Relay) connect() error {
	conn, err := amqp.Dial(r.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		r.config.Exchange,
		r.config.ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.mu.Unlock()

	r.log.Info().
		Str("exchange", r.config.Exchange).
		Msg("Event relay connected to RabbitMQ")

	return nil
}

// monitorConnection reconnects with capped exponential backoff when the
// connection drops.
func (r *Relay) monitorConnection() {
	for {
		r.mu.RLock()
		if r.closed {
			r.mu.RUnlock()
			return
		}
		conn := r.conn
		r.mu.RUnlock()

		if conn == nil {
			time.Sleep(r.config.ReconnectDelay)
			continue
		}

		errClose := <-conn.NotifyClose(make(chan *amqp.Error))
		if errClose != nil {
			r.log.Error().Err(errClose).Msg("RabbitMQ connection closed")
		}

		delay := r.config.ReconnectDelay
		for {
			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}
			r.mu.RUnlock()

			r.log.Info().Dur("delay", delay).Msg("Reconnecting event relay to RabbitMQ")

			if err := r.connect(); err != nil {
				r.log.Error().Err(err).Msg("Failed to reconnect event relay")
				time.Sleep(delay)
				delay *= 2
				if delay > r.config.MaxReconnectDelay {
					delay = r.config.MaxReconnectDelay
				}
				continue
			}
			break
		}
	}
}

// Close shuts down the relay.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
