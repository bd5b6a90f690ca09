package source

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

const (
	// DefaultTopic is the occupancy topic pattern; the last level names the sensor.
	DefaultTopic = "crowd/occupancy/+"
	// DefaultMaxAge is how long a cached reading stays usable.
	DefaultMaxAge = 10 * time.Second
)

var _ Source = (*MQTT)(nil)

type occupancyMessage struct {
	RadiusMeters int   `json:"radius_m"`
	Count        int   `json:"count"`
	Timestamp    int64 `json:"timestamp"`
}

// MQTT caches the latest occupancy reading per radius from a broker topic.
// Sessions read it through Open; the topic stays subscribed while at least
// one reader is open.
type MQTT struct {
	client mqtt.Client
	topic  string
	maxAge time.Duration
	now    func() time.Time

	subMu   sync.Mutex
	readers int

	mu     sync.RWMutex
	latest map[models.Radius]models.Sample
}

// NewMQTT creates a feed on an already connected client. Nothing is
// subscribed until the first Open.
func NewMQTT(client mqtt.Client, topic string, maxAge time.Duration) *MQTT {
	if topic == "" {
		topic = DefaultTopic
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &MQTT{
		client: client,
		topic:  topic,
		maxAge: maxAge,
		now:    time.Now,
		latest: make(map[models.Radius]models.Sample),
	}
}

// Open returns a reader over the shared cache, subscribing on the first one.
func (s *MQTT) Open() (*Reader, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.readers == 0 {
		token := s.client.Subscribe(s.topic, 1, s.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			return nil, eris.Wrapf(err, "source: subscribe %s", s.topic)
		}
	}
	s.readers++
	return &Reader{feed: s}, nil
}

// release drops one reader and unsubscribes when it was the last.
func (s *MQTT) release() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.readers--
	if s.readers > 0 {
		return nil
	}
	token := s.client.Unsubscribe(s.topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return eris.Wrapf(err, "source: unsubscribe %s", s.topic)
	}
	return nil
}

// Reader is one session's view of a shared MQTT feed.
type Reader struct {
	feed *MQTT
	once sync.Once
}

var _ Source = (*Reader)(nil)

// Fetch implements Source.
func (r *Reader) Fetch(ctx context.Context, center models.Coordinate, radius models.Radius) (models.Sample, error) {
	return r.feed.Fetch(ctx, center, radius)
}

// Close releases the reader. The client connection is left to its owner.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() { err = r.feed.release() })
	return err
}

// Fetch implements Source.
func (s *MQTT) Fetch(ctx context.Context, _ models.Coordinate, radius models.Radius) (models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return models.Sample{}, eris.Wrap(models.ErrSampleUnavailable, "source: mqtt fetch cancelled")
	}

	s.mu.RLock()
	sample, ok := s.latest[radius]
	s.mu.RUnlock()

	if !ok {
		return models.Sample{}, eris.Wrapf(models.ErrSampleUnavailable, "source: no reading for %dm", radius)
	}
	if age := s.now().Sub(sample.Timestamp); age > s.maxAge {
		return models.Sample{}, eris.Wrapf(models.ErrSampleUnavailable, "source: reading for %dm is %s old", radius, age.Round(time.Second))
	}
	return sample, nil
}

func (s *MQTT) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var raw occupancyMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		zap.L().Debug("source: invalid occupancy message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	sample, err := validateOccupancyMessage(&raw)
	if err != nil {
		zap.L().Debug("source: rejected occupancy message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Late deliveries never replace a newer reading
	if prev, ok := s.latest[sample.Radius]; ok && prev.Timestamp.After(sample.Timestamp) {
		return
	}
	s.latest[sample.Radius] = sample
}

func validateOccupancyMessage(msg *occupancyMessage) (models.Sample, error) {
	radius, err := models.ParseRadius(msg.RadiusMeters)
	if err != nil {
		return models.Sample{}, eris.Wrap(err, "radius_m")
	}
	if msg.Count < 0 {
		return models.Sample{}, eris.New("count: must not be negative")
	}
	if msg.Timestamp <= 0 {
		return models.Sample{}, eris.New("timestamp: must be positive")
	}
	return models.Sample{
		Timestamp: time.Unix(msg.Timestamp, 0),
		Count:     msg.Count,
		Radius:    radius,
	}, nil
}
