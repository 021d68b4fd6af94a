package db

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// MemoryStore is an in-process Store and UserCollection.
// It backs STORE=memory runs and package tests.
type MemoryStore struct {
	mu         sync.RWMutex
	trips      map[string]models.Trip
	attendance map[string]models.AttendanceRecord
	routes     map[string]models.Route
	locations  map[string]models.LocationSample
	incidents  []models.Incident
	drivers    map[string]models.Driver
	users      map[string]models.User
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:      make(map[string]models.Trip),
		attendance: make(map[string]models.AttendanceRecord),
		routes:     make(map[string]models.Route),
		locations:  make(map[string]models.LocationSample),
		drivers:    make(map[string]models.Driver),
		users:      make(map[string]models.User),
	}
}

// PutTrip adds or replaces trips.
func (m *MemoryStore) PutTrip(trips ...models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trips {
		m.trips[t.ID] = t
	}
}

// PutAttendance adds or replaces attendance records.
func (m *MemoryStore) PutAttendance(recs ...models.AttendanceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.attendance[r.ID] = r
	}
}

// PutRoute adds or replaces a route.
func (m *MemoryStore) PutRoute(route models.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[route.ID] = route
}

// PutDriver adds or replaces drivers.
func (m *MemoryStore) PutDriver(drivers ...models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range drivers {
		m.drivers[d.ID] = d
	}
}

// PutUser stores user as is, replacing any user with the same id.
func (m *MemoryStore) PutUser(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID.Hex()] = user
}

// Incidents returns a copy of the stored incidents.
func (m *MemoryStore) Incidents() []models.Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Incident(nil), m.incidents...)
}

// FindTripByID returns a copy of the trip or apperr.ErrNotFound.
func (m *MemoryStore) FindTripByID(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, apperr.ErrNotFound)
	}
	return &t, nil
}

// FindTripsByDriver returns the trips assigned to driverID ordered by slot, then id.
func (m *MemoryStore) FindTripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.DriverID == driverID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot() != out[j].Slot() {
			return out[i].Slot() < out[j].Slot()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateTripStatus compares and sets the trip status under the store lock.
func (m *MemoryStore) UpdateTripStatus(ctx context.Context, id string, from []models.TripStatus, status models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return fmt.Errorf("trip %s: %w", id, apperr.ErrNotFound)
	}
	if !slices.Contains(from, t.Status) {
		return fmt.Errorf("trip %s is %s: %w", id, t.Status, apperr.ErrInvalidTransition)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	m.trips[id] = t
	return nil
}

// AssignDriver sets the driver of a trip.
func (m *MemoryStore) AssignDriver(ctx context.Context, tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return fmt.Errorf("trip %s: %w", tripID, apperr.ErrNotFound)
	}
	t.DriverID = driverID
	t.UpdatedAt = time.Now()
	m.trips[tripID] = t
	return nil
}

// FindAttendanceByTrip returns the records of a trip sorted by student name.
func (m *MemoryStore) FindAttendanceByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AttendanceRecord
	for _, r := range m.attendance {
		if r.TripID == tripID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentName != out[j].StudentName {
			return out[i].StudentName < out[j].StudentName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateAttendanceStatus sets the status of one record and returns the stored copy.
func (m *MemoryStore) UpdateAttendanceStatus(ctx context.Context, id string, status models.AttendanceStatus) (*models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.attendance[id]
	if !ok {
		return nil, fmt.Errorf("attendance %s: %w", id, apperr.ErrNotFound)
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	m.attendance[id] = r
	return &r, nil
}

// FindRouteByID returns a copy of the route, stops included.
func (m *MemoryStore) FindRouteByID(ctx context.Context, id string) (*models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return nil, fmt.Errorf("route %s: %w", id, apperr.ErrNotFound)
	}
	r.Stops = append([]models.Stop(nil), r.Stops...)
	return &r, nil
}

// LatestLocation returns the newest sample of a trip.
func (m *MemoryStore) LatestLocation(ctx context.Context, tripID string) (*models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.locations[tripID]
	if !ok {
		return nil, fmt.Errorf("location of trip %s: %w", tripID, apperr.ErrNotFound)
	}
	return &s, nil
}

// LatestLocations returns the newest sample of every trip, ordered by trip id.
func (m *MemoryStore) LatestLocations(ctx context.Context) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LocationSample, 0, len(m.locations))
	for _, s := range m.locations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TripID < out[j].TripID })
	return out, nil
}

// SaveLocation replaces the newest sample of the sample's trip.
func (m *MemoryStore) SaveLocation(ctx context.Context, sample models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[sample.TripID] = sample
	return nil
}

// SeedLocation stores sample only if its trip has no location yet and
// reports whether it did.
func (m *MemoryStore) SeedLocation(ctx context.Context, sample models.LocationSample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[sample.TripID]; ok {
		return false, nil
	}
	m.locations[sample.TripID] = sample
	return true, nil
}

// InsertIncident appends incident unless one with the same id is stored.
func (m *MemoryStore) InsertIncident(ctx context.Context, incident models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.incidents {
		if existing.ID == incident.ID {
			return nil
		}
	}
	m.incidents = append(m.incidents, incident)
	return nil
}

// FindDriverByID returns a copy of the driver or apperr.ErrNotFound.
func (m *MemoryStore) FindDriverByID(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
	}
	return &d, nil
}

// DeleteDriver removes a driver. Trips keep their driver id.
func (m *MemoryStore) DeleteDriver(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[id]; !ok {
		return fmt.Errorf("driver %s: %w", id, apperr.ErrNotFound)
	}
	delete(m.drivers, id)
	return nil
}

// InsertUser stores user as active, assigning an ObjectID when missing.
func (m *MemoryStore) InsertUser(ctx context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return fmt.Errorf("username %s already exists", user.Username)
		}
	}
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.IsActive = true
	m.users[user.ID.Hex()] = user
	return nil
}

// FindUserByID looks a user up by the hex form of its ObjectID.
func (m *MemoryStore) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	return &u, nil
}

// FindUserByUsername looks a user up by login name.
func (m *MemoryStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, apperr.ErrNotFound)
}

// UpdateLastLogin stamps the user's last login with the current time.
func (m *MemoryStore) UpdateLastLogin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, apperr.ErrNotFound)
	}
	now := time.Now()
	u.LastLogin = &now
	u.UpdatedAt = now
	m.users[id] = u
	return nil
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ UserCollection = (*MemoryStore)(nil)
	_ Store          = (*MongoStore)(nil)
	_ UserCollection = (*MongoUserCollection)(nil)
)
