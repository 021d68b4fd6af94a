package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"trip-1":     "trip-1",
		"a.b":        "a_b",
		"x y":        "x_y",
		"*":          "_",
		"   ":        "_",
		"route/12>3": "route_12_3",
	}
	for in, want := range tests {
		assert.Equal(t, want, subjectToken(in), in)
	}
}

func TestRelay_SubjectFor(t *testing.T) {
	r := newRelay(nil, "schoolbus.locations", nil)
	assert.Equal(t, "schoolbus.locations.trip_7", r.subjectFor("trip.7"))
	assert.Equal(t, "schoolbus.locations.trip_7.closed", r.eventSubject("trip.7", eventClosed))
}

type recordedEvents struct {
	opened []string
	closed []string
}

func (e *recordedEvents) OpenTrip(tripID string)  { e.opened = append(e.opened, tripID) }
func (e *recordedEvents) CloseTrip(tripID string) { e.closed = append(e.closed, tripID) }

func TestRelay_HandlerAppliesForeignTripEvents(t *testing.T) {
	r := newRelay(nil, "schoolbus.locations", nil)
	events := &recordedEvents{}
	delivered := 0
	handle := r.handler(func(context.Context, models.LocationSample) error {
		delivered++
		return nil
	}, events)

	frame := func(origin, event, tripID string) []byte {
		b, err := json.Marshal(message{Origin: origin, Event: event, TripID: tripID})
		require.NoError(t, err)
		return b
	}
	handle(&nats.Msg{Subject: "schoolbus.locations.T1.opened", Data: frame("other-instance", eventOpened, "T1")})
	handle(&nats.Msg{Subject: "schoolbus.locations.T1.closed", Data: frame("other-instance", eventClosed, "T1")})
	handle(&nats.Msg{Subject: "schoolbus.locations.T2.closed", Data: frame(r.origin, eventClosed, "T2")})
	handle(&nats.Msg{Subject: "schoolbus.locations.T3.moved", Data: frame("other-instance", "moved", "T3")})

	assert.Equal(t, []string{"T1"}, events.opened)
	assert.Equal(t, []string{"T1"}, events.closed)
	assert.Zero(t, delivered)
}

func TestRelay_HandlerWithoutEventsIgnoresTripEvents(t *testing.T) {
	r := newRelay(nil, "schoolbus.locations", nil)
	delivered := 0
	handle := r.handler(func(context.Context, models.LocationSample) error {
		delivered++
		return nil
	}, nil)

	b, err := json.Marshal(message{Origin: "other-instance", Event: eventClosed, TripID: "T1"})
	require.NoError(t, err)
	assert.NotPanics(t, func() { handle(&nats.Msg{Subject: "schoolbus.locations.T1.closed", Data: b}) })
	assert.Zero(t, delivered)
}

func TestRelay_HandlerSkipsOwnMessages(t *testing.T) {
	r := newRelay(nil, "schoolbus.locations", nil)
	var got []models.LocationSample
	handle := r.handler(func(_ context.Context, s models.LocationSample) error {
		got = append(got, s)
		return nil
	}, nil)

	sample := models.LocationSample{TripID: "T", BusID: "B", Lat: 10.7, Lon: 106.7, Timestamp: time.Unix(0, 0).UTC()}
	own, err := json.Marshal(message{Origin: r.origin, Sample: sample})
	require.NoError(t, err)
	foreign, err := json.Marshal(message{Origin: "other-instance", Sample: sample})
	require.NoError(t, err)

	handle(&nats.Msg{Subject: "schoolbus.locations.T", Data: own})
	handle(&nats.Msg{Subject: "schoolbus.locations.T", Data: []byte("not json")})
	handle(&nats.Msg{Subject: "schoolbus.locations.T", Data: foreign})

	require.Len(t, got, 1)
	assert.Equal(t, sample, got[0])
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "schoolbus.locations", nil)
	assert.Error(t, err)
}
