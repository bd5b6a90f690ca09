package location

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/pkg/models"
)

// DefaultFixTopic carries position fixes; the last level names the device.
const DefaultFixTopic = "crowd/location/+"

type fixMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// FixSubscriber feeds a Live provider from an MQTT topic.
type FixSubscriber struct {
	client mqtt.Client
	topic  string
	live   *Live
}

// NewFixSubscriber binds live to topic on an already connected client.
func NewFixSubscriber(client mqtt.Client, topic string, live *Live) *FixSubscriber {
	if topic == "" {
		topic = DefaultFixTopic
	}
	return &FixSubscriber{client: client, topic: topic, live: live}
}

// Start subscribes to the fix topic.
func (s *FixSubscriber) Start() error {
	token := s.client.Subscribe(s.topic, 1, s.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return eris.Wrapf(err, "location: subscribe %s", s.topic)
	}
	return nil
}

// Close unsubscribes from the fix topic.
func (s *FixSubscriber) Close() error {
	token := s.client.Unsubscribe(s.topic)
	token.Wait()
	return eris.Wrapf(token.Error(), "location: unsubscribe %s", s.topic)
}

func (s *FixSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var raw fixMessage
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		zap.L().Debug("location: invalid fix message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if raw.Timestamp <= 0 {
		zap.L().Debug("location: fix without timestamp", zap.String("topic", msg.Topic()))
		return
	}

	fix := Fix{
		Coordinate:     models.Coordinate{Lat: raw.Latitude, Lng: raw.Longitude},
		AccuracyMeters: raw.Accuracy,
		Timestamp:      time.Unix(raw.Timestamp, 0),
	}
	if err := s.live.Update(fix); err != nil {
		zap.L().Debug("location: rejected fix", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}
