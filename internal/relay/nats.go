// Package relay shares location samples and trip lifecycle events between
// hub instances over NATS.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// Metrics receives relay counters.
type Metrics interface {
	RelayPublishedInc()
	RelayPublishErrInc()
	RelaySetConnected(connected bool)
}

// DeliverFunc hands a relayed sample to the local hub.
type DeliverFunc func(ctx context.Context, sample models.LocationSample) error

// TripEvents applies lifecycle changes relayed from other instances.
type TripEvents interface {
	OpenTrip(tripID string)
	CloseTrip(tripID string)
}

const (
	eventOpened = "opened"
	eventClosed = "closed"
)

type message struct {
	Origin string                `json:"origin"`
	Event  string                `json:"event,omitempty"`
	TripID string                `json:"trip_id,omitempty"`
	Sample models.LocationSample `json:"sample"`
}

// Relay publishes samples under <subject>.<trip> and trip events under
// <subject>.<trip>.opened and <subject>.<trip>.closed, and applies those
// published by other instances.
type Relay struct {
	nc      *nats.Conn
	subject string
	origin  string
	metrics Metrics
	sub     *nats.Subscription
}

// Connect dials NATS. m may be nil.
func Connect(url, subject string, m Metrics) (*Relay, error) {
	nc, err := nats.Connect(url,
		nats.Name("schoolbus-dispatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.RelaySetConnected(false)
			}
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.RelaySetConnected(true)
			}
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.RelaySetConnected(false)
			}
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if m != nil {
		m.RelaySetConnected(true)
	}
	return newRelay(nc, subject, m), nil
}

func newRelay(nc *nats.Conn, subject string, m Metrics) *Relay {
	return &Relay{nc: nc, subject: subject, origin: uuid.NewString(), metrics: m}
}

// Forward publishes sample for the other instances.
func (r *Relay) Forward(ctx context.Context, sample models.LocationSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(message{Origin: r.origin, Sample: sample})
	if err != nil {
		return err
	}
	return r.publish(r.subjectFor(sample.TripID), b)
}

// TripOpened tells the other instances that a trip went live.
func (r *Relay) TripOpened(tripID string) { r.publishEvent(tripID, eventOpened) }

// TripClosed tells the other instances to close a trip on their hubs.
func (r *Relay) TripClosed(tripID string) { r.publishEvent(tripID, eventClosed) }

func (r *Relay) publishEvent(tripID, event string) {
	b, err := json.Marshal(message{Origin: r.origin, Event: event, TripID: tripID})
	if err != nil {
		return
	}
	if err := r.publish(r.eventSubject(tripID, event), b); err != nil {
		log.WithFields(log.Fields{
			"trip_id": tripID,
			"event":   event,
		}).WithError(err).Warn("Failed to relay trip event")
	}
}

func (r *Relay) publish(subject string, b []byte) error {
	err := r.nc.Publish(subject, b)
	if r.metrics != nil {
		if err != nil {
			r.metrics.RelayPublishErrInc()
		} else {
			r.metrics.RelayPublishedInc()
		}
	}
	return err
}

// Listen subscribes to every trip subject. Foreign samples go to deliver and
// foreign trip events to events, which may be nil.
func (r *Relay) Listen(deliver DeliverFunc, events TripEvents) error {
	sub, err := r.nc.Subscribe(r.subject+".>", r.handler(deliver, events))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	log.WithField("subject", r.subject+".>").Info("Relay listening")
	return nil
}

func (r *Relay) handler(deliver DeliverFunc, events TripEvents) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var m message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.WithField("subject", msg.Subject).WithError(err).Warn("Dropping malformed relay message")
			return
		}
		if m.Origin == r.origin {
			return
		}
		switch m.Event {
		case "":
		case eventOpened:
			if events != nil {
				events.OpenTrip(m.TripID)
			}
			return
		case eventClosed:
			if events != nil {
				events.CloseTrip(m.TripID)
			}
			return
		default:
			log.WithFields(log.Fields{
				"subject": msg.Subject,
				"event":   m.Event,
			}).Warn("Dropping unknown relay event")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := deliver(ctx, m.Sample); err != nil {
			log.WithField("trip_id", m.Sample.TripID).WithError(err).Debug("Relayed sample not delivered")
		}
	}
}

func (r *Relay) subjectFor(tripID string) string {
	return r.subject + "." + subjectToken(tripID)
}

func (r *Relay) eventSubject(tripID, event string) string {
	return r.subjectFor(tripID) + "." + event
}

// Close drains the subscription and the connection.
func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		_ = r.nc.Drain()
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, wildcards or dots
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
