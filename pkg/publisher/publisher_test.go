package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

type mockChannel struct {
	exchangeDeclareFn func(name, kind string) error
	queueDeclareFn    func(name string) error
	queueBindFn       func(name, key, exchange string) error
	publishFn         func(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	closed            bool
}

func (m *mockChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if m.exchangeDeclareFn == nil {
		return nil
	}
	return m.exchangeDeclareFn(name, kind)
}

func (m *mockChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if m.queueDeclareFn == nil {
		return amqp.Queue{Name: name}, nil
	}
	return amqp.Queue{Name: name}, m.queueDeclareFn(name)
}

func (m *mockChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if m.queueBindFn == nil {
		return nil
	}
	return m.queueBindFn(name, key, exchange)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	return m.publishFn(ctx, exchange, key, msg)
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func TestNewRabbitMQDeclaresTopology(t *testing.T) {
	var kind, boundQueue, boundExchange string
	ch := &mockChannel{
		exchangeDeclareFn: func(_, k string) error {
			kind = k
			return nil
		},
		queueBindFn: func(name, _, exchange string) error {
			boundQueue, boundExchange = name, exchange
			return nil
		},
	}

	_, err := newRabbitMQ(ch, DefaultExchange, DefaultQueue)
	require.NoError(t, err)
	assert.Equal(t, "fanout", kind)
	assert.Equal(t, DefaultQueue, boundQueue)
	assert.Equal(t, DefaultExchange, boundExchange)
}

func TestNewRabbitMQDeclareFailure(t *testing.T) {
	ch := &mockChannel{
		queueDeclareFn: func(string) error { return errors.New("access refused") },
	}
	_, err := newRabbitMQ(ch, DefaultExchange, DefaultQueue)
	assert.ErrorContains(t, err, "declare queue")
}

func TestPublishSpike(t *testing.T) {
	var published amqp.Publishing
	var exchange string
	ch := &mockChannel{
		publishFn: func(_ context.Context, ex, _ string, msg amqp.Publishing) error {
			exchange, published = ex, msg
			return nil
		},
	}
	p, err := newRabbitMQ(ch, DefaultExchange, DefaultQueue)
	require.NoError(t, err)

	ts := time.Unix(1715003456, 0)
	err = p.PublishSpike(context.Background(), models.SpikeEvent{
		Handle:    "h-1",
		Timestamp: ts,
		Count:     70,
		Delta:     20,
		Radius:    models.Radius50,
		Density:   models.Medium,
		Location:  models.Coordinate{Lat: -6.2088, Lng: 106.8456},
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultExchange, exchange)
	assert.Equal(t, "application/json", published.ContentType)

	var msg spikeMessage
	require.NoError(t, json.Unmarshal(published.Body, &msg))
	assert.Equal(t, "h-1", msg.Handle)
	assert.Equal(t, "spike", msg.Event)
	assert.Equal(t, 70, msg.Count)
	assert.Equal(t, 20, msg.Delta)
	assert.Equal(t, 50, msg.RadiusM)
	assert.Equal(t, "Medium", msg.Density)
	assert.Equal(t, -6.2088, msg.Location.Latitude)
	assert.Equal(t, int64(1715003456), msg.Timestamp)
}

func TestPublishSpikeError(t *testing.T) {
	ch := &mockChannel{
		publishFn: func(context.Context, string, string, amqp.Publishing) error {
			return errors.New("channel closed")
		},
	}
	p, err := newRabbitMQ(ch, DefaultExchange, DefaultQueue)
	require.NoError(t, err)

	err = p.PublishSpike(context.Background(), models.SpikeEvent{Timestamp: time.Now()})
	assert.ErrorContains(t, err, "publish spike")

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
