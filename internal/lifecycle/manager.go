// Package lifecycle drives the trip status state machine and its side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/hub"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
	"github.com/ukydev/schoolbus-dispatch/internal/optimistic"
)

// Action is a requested trip transition.
type Action string

const (
	ActionStart    Action = "start"
	ActionDelay    Action = "delay"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

type transition struct {
	from []models.TripStatus
	to   models.TripStatus
}

var transitions = map[Action]transition{
	ActionStart:    {from: []models.TripStatus{models.TripScheduled, models.TripDelayed}, to: models.TripInProgress},
	ActionDelay:    {from: []models.TripStatus{models.TripScheduled}, to: models.TripDelayed},
	ActionComplete: {from: []models.TripStatus{models.TripInProgress}, to: models.TripCompleted},
	ActionCancel:   {from: []models.TripStatus{models.TripScheduled, models.TripDelayed, models.TripInProgress}, to: models.TripCancelled},
}

// CanTransition reports whether action is legal from status.
func CanTransition(status models.TripStatus, action Action) bool {
	tr, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range tr.from {
		if s == status {
			return true
		}
	}
	return false
}

// Observer is told when a trip becomes live and when it reaches a terminal state.
type Observer interface {
	TripOpened(tripID string)
	TripClosed(tripID string)
}

// Notifier pushes out-of-band alerts to connected users.
type Notifier interface {
	Notify(ctx context.Context, audience hub.Audience, n hub.Notification) (int, error)
}

// Metrics counts transition outcomes.
type Metrics interface {
	TransitionObserved(action, outcome string)
}

// Stores groups the collections the manager reads and writes.
type Stores struct {
	Trips      db.TripCollection
	Routes     db.RouteCollection
	Locations  db.LocationCollection
	Incidents  db.IncidentCollection
	Attendance db.AttendanceCollection
}

// Manager applies trip transitions. The local status cache is updated before
// the remote write and restored if the write fails.
type Manager struct {
	stores    Stores
	notifier  Notifier
	observers []Observer
	metrics   Metrics

	// mu serialises read-modify-write sequences on status.
	mu     sync.Mutex
	status gcache.Cache
}

// StatusCacheSize bounds how many trip statuses the manager keeps.
const StatusCacheSize = 4096

// NewManager creates a lifecycle manager. observers are called in order.
func NewManager(stores Stores, notifier Notifier, metrics Metrics, observers ...Observer) *Manager {
	return &Manager{
		stores:    stores,
		notifier:  notifier,
		observers: observers,
		metrics:   metrics,
		status:    gcache.New(StatusCacheSize).LRU().Build(),
	}
}

// Status fetches the trip and refreshes the local cache. A fetch that
// returns after ctx ended leaves the cache alone.
func (m *Manager) Status(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := m.stores.Trips.FindTripByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	_ = m.status.Set(tripID, trip.Status)
	m.mu.Unlock()
	return trip, nil
}

// CachedStatus returns the locally displayed status of a trip.
func (m *Manager) CachedStatus(tripID string) (models.TripStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached(tripID)
}

func (m *Manager) cached(tripID string) (models.TripStatus, bool) {
	v, err := m.status.Get(tripID)
	if err != nil {
		return "", false
	}
	return v.(models.TripStatus), true
}

// Start moves a trip to in_progress, seeds its first location and opens it
// for live tracking. Starting a trip already in progress returns it unchanged.
func (m *Manager) Start(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.apply(ctx, tripID, ActionStart)
}

// Delay marks a scheduled trip as delayed.
func (m *Manager) Delay(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.apply(ctx, tripID, ActionDelay)
}

// Complete finishes an in-progress trip and closes its live channel.
func (m *Manager) Complete(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.apply(ctx, tripID, ActionComplete)
}

// Cancel ends any non-terminal trip.
func (m *Manager) Cancel(ctx context.Context, tripID string) (*models.Trip, error) {
	return m.apply(ctx, tripID, ActionCancel)
}

func (m *Manager) apply(ctx context.Context, tripID string, action Action) (*models.Trip, error) {
	trip, err := m.Status(ctx, tripID)
	if err != nil {
		m.observe(action, "error")
		return nil, err
	}
	tr := transitions[action]
	logger := log.WithFields(log.Fields{
		"trip_id": tripID,
		"action":  action,
		"from":    trip.Status,
	})

	if trip.Status == tr.to {
		logger.Debug("Trip transition already applied")
		m.observe(action, "noop")
		return trip, nil
	}
	if !CanTransition(trip.Status, action) {
		m.observe(action, "invalid")
		return nil, fmt.Errorf("%s trip %s from %s: %w", action, tripID, trip.Status, apperr.ErrInvalidTransition)
	}

	err = optimistic.Apply(ctx,
		func() models.TripStatus {
			m.mu.Lock()
			defer m.mu.Unlock()
			prev, _ := m.cached(tripID)
			_ = m.status.Set(tripID, tr.to)
			return prev
		},
		func(ctx context.Context) error {
			return m.stores.Trips.UpdateTripStatus(ctx, tripID, tr.from, tr.to)
		},
		func(prev models.TripStatus) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if cur, ok := m.cached(tripID); !ok || cur != tr.to {
				return
			}
			if prev == "" {
				m.status.Remove(tripID)
				return
			}
			_ = m.status.Set(tripID, prev)
		},
	)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// Another writer moved the trip between our read and the write.
		logger.WithError(err).Warn("Trip changed concurrently, transition refused")
		if _, rerr := m.Status(ctx, tripID); rerr != nil {
			m.mu.Lock()
			m.status.Remove(tripID)
			m.mu.Unlock()
		}
		m.observe(action, "invalid")
		return nil, fmt.Errorf("%s trip %s: %w", action, tripID, apperr.ErrInvalidTransition)
	}
	if err != nil {
		logger.WithError(err).Warn("Trip transition rolled back")
		m.observe(action, "failed")
		return nil, err
	}
	trip.Status = tr.to
	trip.UpdatedAt = time.Now()

	switch action {
	case ActionStart:
		m.seedLocation(ctx, trip)
		for _, o := range m.observers {
			o.TripOpened(tripID)
		}
	case ActionComplete, ActionCancel:
		for _, o := range m.observers {
			o.TripClosed(tripID)
		}
	}

	logger.WithField("to", tr.to).Info("Trip transition applied")
	m.observe(action, "ok")
	return trip, nil
}

// seedLocation stores the first stop as the trip position unless a sample exists.
func (m *Manager) seedLocation(ctx context.Context, trip *models.Trip) {
	logger := log.WithField("trip_id", trip.ID)
	route, err := m.stores.Routes.FindRouteByID(ctx, trip.RouteID)
	if err != nil {
		logger.WithError(err).Warn("Cannot seed location, route lookup failed")
		return
	}
	stops := route.OrderedStops()
	if len(stops) == 0 {
		logger.Warn("Cannot seed location, route has no stops")
		return
	}
	first := stops[0]
	seeded, err := m.stores.Locations.SeedLocation(ctx, models.LocationSample{
		BusID:     trip.BusID,
		TripID:    trip.ID,
		Lat:       first.Lat,
		Lon:       first.Lon,
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to seed initial location")
		return
	}
	if seeded {
		logger.WithField("stop_id", first.ID).Debug("Seeded initial location at first stop")
	}
}

// IncidentReport is an incident raised against a trip. A caller retrying a
// failed report passes the same ID so the incident is stored once.
type IncidentReport struct {
	ID         string
	TripID     string
	ReporterID string
	Message    string
}

// ReportIncident records an incident and alerts administrators and the
// parents of students on the trip. The trip status does not change.
func (m *Manager) ReportIncident(ctx context.Context, report IncidentReport) (*models.Incident, error) {
	tripID := report.TripID
	message := strings.TrimSpace(report.Message)
	if message == "" {
		return nil, errors.New("incident message is required")
	}
	if _, err := m.stores.Trips.FindTripByID(ctx, tripID); err != nil {
		return nil, err
	}
	parents, err := m.parentsOf(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("resolve incident audience: %w", err)
	}

	id := report.ID
	if id == "" {
		id = uuid.NewString()
	}
	incident := models.Incident{
		ID:         id,
		TripID:     tripID,
		ReporterID: report.ReporterID,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.stores.Incidents.InsertIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("record incident: %w", err)
	}

	audience := hub.Audience{Roles: []models.Role{models.RoleAdmin}, UserIDs: parents}
	n, err := m.notifier.Notify(ctx, audience, hub.Notification{
		ID:        incident.ID,
		TripID:    tripID,
		Kind:      "incident",
		Message:   message,
		CreatedAt: incident.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("notify incident: %w", err)
	}

	log.WithFields(log.Fields{
		"trip_id":     tripID,
		"incident_id": incident.ID,
		"recipients":  n,
	}).Info("Incident reported")
	return &incident, nil
}

func (m *Manager) parentsOf(ctx context.Context, tripID string) ([]string, error) {
	recs, err := m.stores.Attendance.FindAttendanceByTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range recs {
		if r.ParentID == "" {
			continue
		}
		if _, ok := seen[r.ParentID]; ok {
			continue
		}
		seen[r.ParentID] = struct{}{}
		out = append(out, r.ParentID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) observe(action Action, outcome string) {
	if m.metrics != nil {
		m.metrics.TransitionObserved(string(action), outcome)
	}
}
