package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

const (
	connectTimeout = 10 * time.Second
	handleTimeout  = 5 * time.Second
	qos            = 1
)

// Subscriber feeds MQTT location messages into an Ingestor.
// Topics follow a pattern with a single '+' standing for the trip id,
// for example "schoolbus/+/location".
type Subscriber struct {
	ingestor *Ingestor
	topic    string
	client   mqtt.Client
}

// Subscribe connects to brokerURL and subscribes to topic. The subscription
// is renewed on every reconnect.
func Subscribe(brokerURL, clientID, topic string, ingestor *Ingestor) (*Subscriber, error) {
	if strings.Count(topic, "+") != 1 {
		return nil, fmt.Errorf("topic %q must contain exactly one '+' for the trip id", topic)
	}
	s := &Subscriber{ingestor: ingestor, topic: topic}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			if tok := c.Subscribe(s.topic, qos, s.handle); tok.WaitTimeout(connectTimeout) && tok.Error() != nil {
				log.WithField("topic", s.topic).WithError(tok.Error()).Error("MQTT subscribe failed")
				return
			}
			log.WithField("topic", s.topic).Info("MQTT subscribed")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", brokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", brokerURL, err)
	}
	return s, nil
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	tripID, ok := TripFromTopic(s.topic, msg.Topic())
	if !ok {
		log.WithField("topic", msg.Topic()).Warn("Ignoring message on unexpected topic")
		return
	}
	var sample models.LocationSample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		_ = s.ingestor.reject("malformed", fmt.Errorf("%w: %v", ErrInvalidSample, err))
		return
	}
	if sample.TripID == "" {
		sample.TripID = tripID
	} else if sample.TripID != tripID {
		_ = s.ingestor.reject("topic_mismatch", fmt.Errorf("%w: payload trip %s on topic of %s", ErrInvalidSample, sample.TripID, tripID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := s.ingestor.Ingest(ctx, "mqtt", sample); err != nil {
		log.WithFields(log.Fields{"trip_id": tripID, "topic": msg.Topic()}).WithError(err).Debug("MQTT sample not ingested")
	}
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.topic).WaitTimeout(connectTimeout)
	s.client.Disconnect(250)
}

// TripFromTopic extracts the segment matched by '+' in pattern.
func TripFromTopic(pattern, topic string) (string, bool) {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return "", false
	}
	tripID := ""
	for i, p := range ps {
		if p == "+" {
			tripID = ts[i]
			continue
		}
		if p != ts[i] {
			return "", false
		}
	}
	return tripID, tripID != ""
}
