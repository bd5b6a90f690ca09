// Package publisher hands crowd events off to a message broker.
package publisher

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

const (
	// DefaultExchange receives every crowd event.
	DefaultExchange = "crowd.events"
	// DefaultQueue is bound to the exchange for spike consumers.
	DefaultQueue = "crowd_spikes"
)

// SpikePublisher delivers spike events.
type SpikePublisher interface {
	PublishSpike(ctx context.Context, event models.SpikeEvent) error
}

var _ SpikePublisher = (*RabbitMQ)(nil)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes spike events to a fanout exchange.
type RabbitMQ struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// Dial connects to url and declares the exchange and queue.
func Dial(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "publisher: rabbitmq connect")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, eris.Wrap(err, "publisher: rabbitmq channel")
	}

	p, err := newRabbitMQ(ch, DefaultExchange, DefaultQueue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitMQ(ch channel, exchange, queue string) (*RabbitMQ, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, eris.Wrap(err, "publisher: declare exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, eris.Wrap(err, "publisher: declare queue")
	}
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return nil, eris.Wrap(err, "publisher: bind queue")
	}
	return &RabbitMQ{ch: ch, exchange: exchange}, nil
}

type spikeMessage struct {
	Handle    string        `json:"handle"`
	Event     string        `json:"event"`
	Count     int           `json:"count"`
	Delta     int           `json:"delta"`
	RadiusM   int           `json:"radius_m"`
	Density   string        `json:"density"`
	Location  spikeLocation `json:"location"`
	Timestamp int64         `json:"timestamp"`
}

type spikeLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PublishSpike implements SpikePublisher.
func (p *RabbitMQ) PublishSpike(ctx context.Context, event models.SpikeEvent) error {
	msg := spikeMessage{
		Handle:  event.Handle,
		Event:   "spike",
		Count:   event.Count,
		Delta:   event.Delta,
		RadiusM: int(event.Radius),
		Density: string(event.Density),
		Location: spikeLocation{
			Latitude:  event.Location.Lat,
			Longitude: event.Location.Lng,
		},
		Timestamp: event.Timestamp.Unix(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "publisher: marshal spike")
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.Timestamp,
		Body:        body,
	})
	if err != nil {
		return eris.Wrap(err, "publisher: publish spike")
	}
	zap.L().Debug("publisher: spike published", zap.String("handle", event.Handle), zap.Int("count", event.Count))
	return nil
}

// Close releases the channel and, when owned, the connection.
func (p *RabbitMQ) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return eris.Wrap(err, "publisher: close")
}
