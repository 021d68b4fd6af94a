// Package attendance keeps per-student trip state with optimistic updates.
package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
	"github.com/ukydev/schoolbus-dispatch/internal/optimistic"
)

// DefaultCapacity is the number of trips a Tracker keeps loaded.
const DefaultCapacity = 512

type tripState struct {
	kind   models.TripKind
	closed bool
	ids    []string
	recs   map[string]*models.AttendanceRecord
}

// Tracker holds the locally displayed attendance of loaded trips. The least
// recently used trips are dropped once more than its capacity are loaded.
type Tracker struct {
	trips   db.TripCollection
	records db.AttendanceCollection

	mu     sync.Mutex
	loaded gcache.Cache
	owner  map[string]string
}

// NewTracker creates an attendance tracker holding up to DefaultCapacity trips.
func NewTracker(trips db.TripCollection, records db.AttendanceCollection) *Tracker {
	return NewTrackerSize(trips, records, DefaultCapacity)
}

// NewTrackerSize creates an attendance tracker holding up to size trips.
func NewTrackerSize(trips db.TripCollection, records db.AttendanceCollection, size int) *Tracker {
	t := &Tracker{
		trips:   trips,
		records: records,
		owner:   make(map[string]string),
	}
	t.loaded = gcache.New(size).LRU().EvictedFunc(t.evicted).Build()
	return t
}

// evicted runs inside cache writes, which all happen with t.mu held.
func (t *Tracker) evicted(key, value interface{}) {
	tripID := key.(string)
	for _, id := range value.(*tripState).ids {
		if t.owner[id] == tripID {
			delete(t.owner, id)
		}
	}
}

func (t *Tracker) stateLocked(tripID string) *tripState {
	v, err := t.loaded.Get(tripID)
	if err != nil {
		return nil
	}
	return v.(*tripState)
}

// Load fetches the trip and its records, replacing any local state for it.
func (t *Tracker) Load(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	trip, err := t.trips.FindTripByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	recs, err := t.records.FindAttendanceByTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.stateLocked(tripID); old != nil {
		t.evicted(tripID, old)
	}
	st := &tripState{
		kind:   trip.Kind,
		closed: trip.Status.IsTerminal(),
		recs:   make(map[string]*models.AttendanceRecord, len(recs)),
	}
	for i := range recs {
		r := recs[i]
		st.recs[r.ID] = &r
		st.ids = append(st.ids, r.ID)
		t.owner[r.ID] = tripID
	}
	if err := t.loaded.Set(tripID, st); err != nil {
		return nil, err
	}
	return t.snapshotLocked(tripID), nil
}

// SetStatus shows the new status immediately, then writes it remotely.
// On remote failure the previous status is restored and the error wraps
// apperr.ErrRemoteUpdateFailed. Concurrent writes to the same record are
// last-acknowledgement-wins. A trip found terminal in the store is frozen
// and dropped before anything is written.
func (t *Tracker) SetStatus(ctx context.Context, attendanceID string, status models.AttendanceStatus) (*models.AttendanceRecord, error) {
	t.mu.Lock()
	var st *tripState
	tripID, ok := t.owner[attendanceID]
	if ok {
		st = t.stateLocked(tripID)
	}
	if st == nil || st.recs[attendanceID] == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("attendance %s: %w", attendanceID, apperr.ErrNotFound)
	}
	rec := st.recs[attendanceID]
	if st.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("attendance %s: %w", attendanceID, apperr.ErrTripClosed)
	}
	if !models.IsAllowedAttendance(st.kind, status) {
		t.mu.Unlock()
		return nil, fmt.Errorf("%q on %s trip: %w", status, st.kind, apperr.ErrInvalidStatus)
	}
	t.mu.Unlock()

	trip, err := t.trips.FindTripByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.Status.IsTerminal() {
		t.TripClosed(tripID)
		return nil, fmt.Errorf("attendance %s: trip %s is %s: %w", attendanceID, tripID, trip.Status, apperr.ErrTripClosed)
	}

	type snapshot struct {
		status    models.AttendanceStatus
		updatedAt time.Time
	}
	var ack *models.AttendanceRecord
	err = optimistic.Apply(ctx,
		func() snapshot {
			t.mu.Lock()
			defer t.mu.Unlock()
			prev := snapshot{rec.Status, rec.UpdatedAt}
			rec.Status = status
			rec.UpdatedAt = time.Now()
			return prev
		},
		func(ctx context.Context) error {
			var err error
			ack, err = t.records.UpdateAttendanceStatus(ctx, attendanceID, status)
			return err
		},
		func(prev snapshot) {
			t.mu.Lock()
			defer t.mu.Unlock()
			rec.Status = prev.status
			rec.UpdatedAt = prev.updatedAt
		},
	)
	if err != nil {
		log.WithFields(log.Fields{
			"attendance_id": attendanceID,
			"status":        status,
		}).WithError(err).Warn("Attendance update rolled back")
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ack != nil {
		rec.Status = ack.Status
		if !ack.UpdatedAt.IsZero() {
			rec.UpdatedAt = ack.UpdatedAt
		}
	}
	out := *rec
	return &out, nil
}

// TripOpened is a no-op; attendance is editable until the trip ends.
func (t *Tracker) TripOpened(string) {}

// TripClosed freezes the records of a trip that reached a terminal state and
// drops them. A later Load sees the trip closed.
func (t *Tracker) TripClosed(tripID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.stateLocked(tripID); st != nil {
		st.closed = true
		t.evicted(tripID, st)
		t.loaded.Remove(tripID)
	}
}

// Records returns a copy of the local records of a trip.
func (t *Tracker) Records(tripID string) []models.AttendanceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(tripID)
}

func (t *Tracker) snapshotLocked(tripID string) []models.AttendanceRecord {
	st := t.stateLocked(tripID)
	if st == nil {
		return nil
	}
	out := make([]models.AttendanceRecord, 0, len(st.ids))
	for _, id := range st.ids {
		out = append(out, *st.recs[id])
	}
	return out
}

// Counts returns the number of records per status. Every status allowed for
// the trip kind is present, zero or not.
func (t *Tracker) Counts(tripID string) map[models.AttendanceStatus]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(tripID)
	if st == nil {
		return nil
	}
	counts := make(map[models.AttendanceStatus]int)
	for _, s := range models.AllowedAttendance(st.kind) {
		counts[s] = 0
	}
	for _, id := range st.ids {
		counts[st.recs[id].Status]++
	}
	return counts
}

// ByStop groups the records of a trip by stop id, students sorted by name.
func (t *Tracker) ByStop(tripID string) map[string][]models.AttendanceRecord {
	groups := make(map[string][]models.AttendanceRecord)
	for _, r := range t.Records(tripID) {
		groups[r.StopID] = append(groups[r.StopID], r)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].StudentName < g[j].StudentName })
	}
	return groups
}
