package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/hub"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) TripOpened(tripID string) { m.Called(tripID) }
func (m *MockObserver) TripClosed(tripID string) { m.Called(tripID) }

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, audience hub.Audience, n hub.Notification) (int, error) {
	args := m.Called(ctx, audience, n)
	return args.Int(0), args.Error(1)
}

type flakyTrips struct {
	*db.MemoryStore
	fail bool
}

func (f *flakyTrips) UpdateTripStatus(ctx context.Context, id string, from []models.TripStatus, status models.TripStatus) error {
	if f.fail {
		return errors.New("backend unavailable")
	}
	return f.MemoryStore.UpdateTripStatus(ctx, id, from, status)
}

// gatedTrips holds writes of one target status until release is closed.
type gatedTrips struct {
	*db.MemoryStore
	target  models.TripStatus
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTrips) UpdateTripStatus(ctx context.Context, id string, from []models.TripStatus, status models.TripStatus) error {
	if status == g.target {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.UpdateTripStatus(ctx, id, from, status)
}

func newStore(status models.TripStatus) *flakyTrips {
	mem := db.NewMemoryStore()
	mem.PutRoute(models.Route{ID: "r1", Stops: []models.Stop{
		{ID: "s2", Lat: 10.80, Lon: 106.71, Order: 2},
		{ID: "s1", Lat: 10.78, Lon: 106.69, Order: 1},
	}})
	mem.PutTrip(models.Trip{ID: "t1", RouteID: "r1", BusID: "b1", Kind: models.TripPickup, Status: status})
	mem.PutAttendance(
		models.AttendanceRecord{ID: "a1", TripID: "t1", ParentID: "p1"},
		models.AttendanceRecord{ID: "a2", TripID: "t1", ParentID: "p2"},
		models.AttendanceRecord{ID: "a3", TripID: "t1", ParentID: "p1"},
		models.AttendanceRecord{ID: "a4", TripID: "t1"},
	)
	return &flakyTrips{MemoryStore: mem}
}

func newManager(store *flakyTrips, notifier Notifier, obs ...Observer) *Manager {
	return NewManager(Stores{
		Trips:      store,
		Routes:     store,
		Locations:  store,
		Incidents:  store,
		Attendance: store,
	}, notifier, nil, obs...)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from   models.TripStatus
		action Action
		want   bool
	}{
		{models.TripScheduled, ActionStart, true},
		{models.TripDelayed, ActionStart, true},
		{models.TripScheduled, ActionDelay, true},
		{models.TripInProgress, ActionComplete, true},
		{models.TripScheduled, ActionCancel, true},
		{models.TripDelayed, ActionCancel, true},
		{models.TripInProgress, ActionCancel, true},
		{models.TripScheduled, ActionComplete, false},
		{models.TripInProgress, ActionDelay, false},
		{models.TripCompleted, ActionStart, false},
		{models.TripCompleted, ActionCancel, false},
		{models.TripCancelled, ActionStart, false},
		{models.TripInProgress, Action("teleport"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.action))
		})
	}
}

func TestManager_StartSeedsLocationAndOpensTrip(t *testing.T) {
	store := newStore(models.TripScheduled)
	obs := new(MockObserver)
	obs.On("TripOpened", "t1").Once()
	m := newManager(store, nil, obs)

	trip, err := m.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, trip.Status)

	loc, err := store.LatestLocation(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 10.78, loc.Lat)
	assert.Equal(t, 106.69, loc.Lon)
	assert.Equal(t, "b1", loc.BusID)

	stored, err := store.FindTripByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, stored.Status)
	obs.AssertExpectations(t)
}

func TestManager_StartIsIdempotent(t *testing.T) {
	store := newStore(models.TripScheduled)
	obs := new(MockObserver)
	obs.On("TripOpened", "t1").Once()
	m := newManager(store, nil, obs)
	ctx := context.Background()

	_, err := m.Start(ctx, "t1")
	require.NoError(t, err)
	moved := models.LocationSample{TripID: "t1", Lat: 11, Lon: 107, Timestamp: time.Now()}
	require.NoError(t, store.SaveLocation(ctx, moved))

	trip, err := m.Start(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, trip.Status)

	loc, err := store.LatestLocation(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 11.0, loc.Lat)
	obs.AssertNumberOfCalls(t, "TripOpened", 1)
}

func TestManager_StartKeepsExistingLocation(t *testing.T) {
	store := newStore(models.TripDelayed)
	ctx := context.Background()
	require.NoError(t, store.SaveLocation(ctx, models.LocationSample{TripID: "t1", Lat: 1, Lon: 2}))
	m := newManager(store, nil)

	_, err := m.Start(ctx, "t1")
	require.NoError(t, err)
	loc, err := store.LatestLocation(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, loc.Lat)
}

func TestManager_InvalidTransitionLeavesStatus(t *testing.T) {
	store := newStore(models.TripScheduled)
	obs := new(MockObserver)
	m := newManager(store, nil, obs)
	ctx := context.Background()

	_, err := m.Complete(ctx, "t1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	stored, err := store.FindTripByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripScheduled, stored.Status)
	cached, ok := m.CachedStatus("t1")
	require.True(t, ok)
	assert.Equal(t, models.TripScheduled, cached)
	obs.AssertNotCalled(t, "TripClosed", mock.Anything)
}

func TestManager_TerminalStatesAreFinal(t *testing.T) {
	for _, status := range []models.TripStatus{models.TripCompleted, models.TripCancelled} {
		store := newStore(status)
		m := newManager(store, nil)
		ctx := context.Background()

		_, err := m.Start(ctx, "t1")
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
		_, err = m.Delay(ctx, "t1")
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}
}

func TestManager_CompleteClosesTrip(t *testing.T) {
	store := newStore(models.TripInProgress)
	obs := new(MockObserver)
	obs.On("TripClosed", "t1").Once()
	m := newManager(store, nil, obs)

	trip, err := m.Complete(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, trip.Status)

	trip, err = m.Complete(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripCompleted, trip.Status)
	obs.AssertNumberOfCalls(t, "TripClosed", 1)

	_, err = m.Cancel(context.Background(), "t1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestManager_DelayThenStart(t *testing.T) {
	store := newStore(models.TripScheduled)
	m := newManager(store, nil)
	ctx := context.Background()

	trip, err := m.Delay(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripDelayed, trip.Status)

	trip, err = m.Start(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, trip.Status)
}

func TestManager_RemoteFailureRollsBack(t *testing.T) {
	store := newStore(models.TripScheduled)
	store.fail = true
	obs := new(MockObserver)
	m := newManager(store, nil, obs)
	ctx := context.Background()

	_, err := m.Start(ctx, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemoteUpdateFailed)

	cached, ok := m.CachedStatus("t1")
	require.True(t, ok)
	assert.Equal(t, models.TripScheduled, cached)
	_, err = store.LatestLocation(ctx, "t1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	obs.AssertNotCalled(t, "TripOpened", mock.Anything)
}

func TestManager_UnknownTrip(t *testing.T) {
	m := newManager(newStore(models.TripScheduled), nil)
	_, err := m.Start(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_ReportIncident(t *testing.T) {
	store := newStore(models.TripInProgress)
	notifier := new(MockNotifier)
	wantAudience := hub.Audience{Roles: []models.Role{models.RoleAdmin}, UserIDs: []string{"p1", "p2"}}
	notifier.On("Notify", mock.Anything, wantAudience, mock.MatchedBy(func(n hub.Notification) bool {
		return n.TripID == "t1" && n.Kind == "incident" && n.Message == "flat tyre"
	})).Return(3, nil).Once()
	m := newManager(store, notifier)

	incident, err := m.ReportIncident(context.Background(), IncidentReport{TripID: "t1", ReporterID: "driver1", Message: "  flat tyre "})
	require.NoError(t, err)
	assert.Equal(t, "flat tyre", incident.Message)
	assert.NotEmpty(t, incident.ID)

	assert.Len(t, store.Incidents(), 1)
	stored, err := store.FindTripByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripInProgress, stored.Status)
	notifier.AssertExpectations(t)
}

func TestManager_ReportIncidentFailuresSurface(t *testing.T) {
	store := newStore(models.TripInProgress)
	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("hub stopped"))
	m := newManager(store, notifier)

	_, err := m.ReportIncident(context.Background(), IncidentReport{TripID: "t1", ReporterID: "driver1", Message: "engine smoke"})
	assert.Error(t, err)

	_, err = m.ReportIncident(context.Background(), IncidentReport{TripID: "t1", ReporterID: "driver1", Message: "   "})
	assert.Error(t, err)

	_, err = m.ReportIncident(context.Background(), IncidentReport{TripID: "missing", ReporterID: "driver1", Message: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_ReportIncidentRetryStoresOnce(t *testing.T) {
	store := newStore(models.TripInProgress)
	notifier := new(MockNotifier)
	notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("hub stopped")).Once()
	notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(2, nil).Once()
	m := newManager(store, notifier)
	report := IncidentReport{ID: "inc-1", TripID: "t1", ReporterID: "driver1", Message: "engine smoke"}

	_, err := m.ReportIncident(context.Background(), report)
	require.Error(t, err)
	incident, err := m.ReportIncident(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, "inc-1", incident.ID)

	assert.Len(t, store.Incidents(), 1)
	notifier.AssertExpectations(t)
}

func TestManager_ReportIncidentAudienceFailureStoresNothing(t *testing.T) {
	mem := db.NewMemoryStore()
	mem.PutTrip(models.Trip{ID: "t1", Status: models.TripInProgress})
	m := NewManager(Stores{
		Trips:      mem,
		Incidents:  mem,
		Attendance: failingAttendance{},
	}, new(MockNotifier), nil)

	_, err := m.ReportIncident(context.Background(), IncidentReport{TripID: "t1", Message: "engine smoke"})
	require.Error(t, err)
	assert.Empty(t, mem.Incidents())
}

type failingAttendance struct{}

func (failingAttendance) FindAttendanceByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	return nil, errors.New("backend unavailable")
}

func (failingAttendance) UpdateAttendanceStatus(ctx context.Context, id string, status models.AttendanceStatus) (*models.AttendanceRecord, error) {
	return nil, errors.New("backend unavailable")
}

func TestManager_ConcurrentCancelWinsOverStaleStart(t *testing.T) {
	mem := newStore(models.TripScheduled).MemoryStore
	gated := &gatedTrips{
		MemoryStore: mem,
		target:      models.TripInProgress,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	obs := new(MockObserver)
	obs.On("TripClosed", "t1").Once()
	m := NewManager(Stores{
		Trips:      gated,
		Routes:     mem,
		Locations:  mem,
		Incidents:  mem,
		Attendance: mem,
	}, nil, nil, obs)
	ctx := context.Background()

	startErr := make(chan error, 1)
	go func() {
		_, err := m.Start(ctx, "t1")
		startErr <- err
	}()
	<-gated.entered

	trip, err := m.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelled, trip.Status)
	close(gated.release)

	err = <-startErr
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.NotErrorIs(t, err, apperr.ErrRemoteUpdateFailed)

	stored, err := mem.FindTripByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelled, stored.Status)
	cached, ok := m.CachedStatus("t1")
	require.True(t, ok)
	assert.Equal(t, models.TripCancelled, cached)
	_, err = mem.LatestLocation(ctx, "t1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	obs.AssertNotCalled(t, "TripOpened", mock.Anything)
	obs.AssertExpectations(t)
}

func TestManager_StatusIgnoresCancelledFetch(t *testing.T) {
	m := newManager(newStore(models.TripScheduled), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Status(ctx, "t1")
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := m.CachedStatus("t1")
	assert.False(t, ok)
}
