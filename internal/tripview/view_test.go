package tripview

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/schoolbus-dispatch/internal/attendance"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(tripID string) error   { return m.Called(tripID).Error(0) }
func (m *MockSubscriber) Unsubscribe(tripID string) error { return m.Called(tripID).Error(0) }

type storeStatus struct{ *db.MemoryStore }

func (s storeStatus) Status(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.FindTripByID(ctx, tripID)
}

type stubComposer struct {
	block   chan struct{}
	started chan struct{}
	stops   []models.Stop
	err     error
}

func (c *stubComposer) Compose(ctx context.Context, stops []models.Stop, profile string) (*models.RouteGeometry, error) {
	c.stops = stops
	if c.started != nil {
		close(c.started)
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &models.RouteGeometry{StopKey: models.StopKey(stops), Profile: profile}, nil
}

func fixture(status models.TripStatus) *db.MemoryStore {
	mem := db.NewMemoryStore()
	mem.PutRoute(models.Route{ID: "r1", Stops: []models.Stop{
		{ID: "s2", Lat: 10.80, Lon: 106.71, Order: 2},
		{ID: "s1", Lat: 10.78, Lon: 106.69, Order: 1},
	}})
	mem.PutTrip(models.Trip{ID: "t1", RouteID: "r1", BusID: "b1", Kind: models.TripPickup, Status: status})
	mem.PutAttendance(
		models.AttendanceRecord{ID: "a1", TripID: "t1", StudentName: "An", StopID: "s1", Status: models.AttendanceAwaiting},
		models.AttendanceRecord{ID: "a2", TripID: "t1", StudentName: "Binh", StopID: "s2", Status: models.AttendanceAwaiting},
	)
	return mem
}

func newView(mem *db.MemoryStore, sub *MockSubscriber, comp *stubComposer) *View {
	return New(Deps{
		Trips:      storeStatus{mem},
		Routes:     mem,
		Locations:  mem,
		Hub:        sub,
		Composer:   comp,
		Attendance: attendance.NewTracker(mem, mem),
		Profile:    "bus",
	})
}

func TestOpen_InProgressTripIsLive(t *testing.T) {
	mem := fixture(models.TripInProgress)
	require.NoError(t, mem.SaveLocation(context.Background(), models.LocationSample{TripID: "t1", BusID: "b1", Lat: 10.79, Lon: 106.70}))
	sub := new(MockSubscriber)
	sub.On("Subscribe", "t1").Return(nil).Once()
	sub.On("Unsubscribe", "t1").Return(nil).Once()
	comp := &stubComposer{}
	v := newView(mem, sub, comp)

	snap, err := v.Open(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, snap.Live)
	require.NotNil(t, snap.Geometry)
	assert.Equal(t, "s1,s2", snap.Geometry.StopKey)
	assert.Equal(t, "bus", snap.Geometry.Profile)
	require.NotNil(t, snap.Location)
	assert.InDelta(t, 10.79, snap.Location.Lat, 1e-9)
	assert.Len(t, snap.Attendance, 2)
	assert.True(t, v.IsOpen("t1"))

	v.Close("t1")
	assert.False(t, v.IsOpen("t1"))
	sub.AssertExpectations(t)
}

func TestOpen_ScheduledTripIsNotLive(t *testing.T) {
	mem := fixture(models.TripScheduled)
	sub := new(MockSubscriber)
	comp := &stubComposer{}
	v := newView(mem, sub, comp)

	snap, err := v.Open(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, snap.Live)
	assert.Nil(t, snap.Geometry)
	assert.Nil(t, snap.Location)
	assert.Len(t, snap.Attendance, 2)

	v.Close("t1")
	sub.AssertNotCalled(t, "Subscribe", mock.Anything)
	sub.AssertNotCalled(t, "Unsubscribe", mock.Anything)
}

func TestOpen_CloseAbortsCompose(t *testing.T) {
	mem := fixture(models.TripInProgress)
	sub := new(MockSubscriber)
	sub.On("Subscribe", "t1").Return(nil).Once()
	sub.On("Unsubscribe", "t1").Return(nil).Once()
	comp := &stubComposer{block: make(chan struct{}), started: make(chan struct{})}
	v := newView(mem, sub, comp)

	errc := make(chan error, 1)
	go func() {
		_, err := v.Open(context.Background(), "t1")
		errc <- err
	}()
	select {
	case <-comp.started:
	case <-time.After(2 * time.Second):
		t.Fatal("compose never started")
	}
	v.Close("t1")

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrViewClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Open was not aborted")
	}
	assert.False(t, v.IsOpen("t1"))
	sub.AssertExpectations(t)
}

func TestOpen_ComposeFailureUnsubscribes(t *testing.T) {
	mem := fixture(models.TripInProgress)
	sub := new(MockSubscriber)
	sub.On("Subscribe", "t1").Return(nil).Once()
	sub.On("Unsubscribe", "t1").Return(nil).Once()
	v := newView(mem, sub, &stubComposer{err: errors.New("no route")})

	_, err := v.Open(context.Background(), "t1")
	assert.ErrorContains(t, err, "no route")
	assert.NotErrorIs(t, err, ErrViewClosed)
	sub.AssertExpectations(t)
}

func TestOpen_UnknownTrip(t *testing.T) {
	mem := fixture(models.TripInProgress)
	v := newView(mem, new(MockSubscriber), &stubComposer{})

	_, err := v.Open(context.Background(), "nope")
	assert.Error(t, err)
	assert.False(t, v.IsOpen("nope"))
}

type blockingAttendance struct {
	returned atomic.Bool
}

func (a *blockingAttendance) Load(ctx context.Context, _ string) ([]models.AttendanceRecord, error) {
	<-ctx.Done()
	a.returned.Store(true)
	return nil, ctx.Err()
}

func TestOpen_SubscribeFailureWaitsForLoads(t *testing.T) {
	mem := fixture(models.TripInProgress)
	sub := new(MockSubscriber)
	sub.On("Subscribe", "t1").Return(errors.New("hub down")).Once()
	att := &blockingAttendance{}
	v := New(Deps{
		Trips:      storeStatus{mem},
		Routes:     mem,
		Locations:  mem,
		Hub:        sub,
		Composer:   &stubComposer{},
		Attendance: att,
	})

	_, err := v.Open(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub down")
	assert.True(t, att.returned.Load())
	assert.False(t, v.IsOpen("t1"))
	sub.AssertNotCalled(t, "Unsubscribe", mock.Anything)
}
