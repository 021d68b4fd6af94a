package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/schoolbus-dispatch/internal/config"
	"github.com/ukydev/schoolbus-dispatch/internal/hub"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
	"github.com/ukydev/schoolbus-dispatch/internal/session"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type staticValidator struct{}

func (staticValidator) ValidateToken(token string) (*models.Claims, error) {
	if token != "tok" {
		return nil, errors.New("invalid token")
	}
	return &models.Claims{UserID: "64b7f0c2a1b2c3d4e5f60718", Username: "pat", Role: models.RoleParent}, nil
}

type fixture struct {
	cfg     *config.ClientConfig
	hub     *hub.Hub
	patched map[string]string
	mu      sync.Mutex
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{patched: make(map[string]string)}

	userID, err := primitive.ObjectIDFromHex("64b7f0c2a1b2c3d4e5f60718")
	require.NoError(t, err)
	api := http.NewServeMux()
	api.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req models.LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username != "pat" || req.Password != "secret" {
			http.Error(w, `{"error":"Invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, models.LoginResponse{
			Token:     "tok",
			ExpiresAt: time.Now().Add(time.Hour),
			User:      models.User{ID: userID, Username: "pat", Role: models.RoleParent},
		})
	})
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	trips := map[string]models.Trip{
		"t1": {ID: "t1", RouteID: "r1", BusID: "bus-1", Kind: models.TripPickup, Status: models.TripInProgress, ServiceDate: "2024-09-02", DepartureTime: "07:10"},
		"t2": {ID: "t2", RouteID: "r1", BusID: "bus-2", Kind: models.TripDropoff, Status: models.TripInProgress, ServiceDate: "2024-09-02", DepartureTime: "15:30"},
		"t3": {ID: "t3", RouteID: "r1", BusID: "bus-3", Kind: models.TripPickup, Status: models.TripCompleted, ServiceDate: "2024-09-01", DepartureTime: "07:10"},
	}
	records := []models.AttendanceRecord{
		{ID: "a1", TripID: "t1", StudentID: "s1", StudentName: "Ana", StopID: "st1", Status: models.AttendanceAwaiting},
		{ID: "a2", TripID: "t1", StudentID: "s2", StudentName: "Ben", StopID: "st2", Status: models.AttendanceAwaiting},
	}
	backend := http.NewServeMux()
	backend.HandleFunc("GET /trips/{id}", func(w http.ResponseWriter, r *http.Request) {
		trip, ok := trips[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, trip)
	})
	backend.HandleFunc("PATCH /trips/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status         string              `json:"status"`
			ExpectedStatus []models.TripStatus `json:"expected_status"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.patched[r.PathValue("id")] = body.Status
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	backend.HandleFunc("GET /trips/{id}/attendance", func(w http.ResponseWriter, r *http.Request) {
		out := []models.AttendanceRecord{}
		for _, rec := range records {
			if rec.TripID == r.PathValue("id") {
				out = append(out, rec)
			}
		}
		writeJSON(w, out)
	})
	backend.HandleFunc("PATCH /attendance/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		for _, rec := range records {
			if rec.ID == r.PathValue("id") {
				rec.Status = models.AttendanceStatus(body["status"])
				writeJSON(w, rec)
				return
			}
		}
		http.NotFound(w, r)
	})
	backend.HandleFunc("GET /routes/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Route{ID: "r1", Stops: []models.Stop{
			{ID: "st2", Lat: 10.78, Lon: 106.70, Order: 2},
			{ID: "st1", Lat: 10.77, Lon: 106.69, Order: 1},
		}})
	})
	backend.HandleFunc("GET /trips/{id}/location", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.LocationSample{TripID: r.PathValue("id"), BusID: "bus-1", Lat: 10.771, Lon: 106.691, Timestamp: time.Now()})
	})
	backendSrv := httptest.NewServer(backend)
	t.Cleanup(backendSrv.Close)

	f.hub = hub.New(staticValidator{})
	hubSrv := httptest.NewServer(http.HandlerFunc(f.hub.ServeWS))
	t.Cleanup(func() {
		hubSrv.Close()
		f.hub.Close()
	})

	f.cfg = &config.ClientConfig{
		APIURL:         apiSrv.URL + "/api",
		HubURL:         "ws" + strings.TrimPrefix(hubSrv.URL, "http"),
		BackendURL:     backendSrv.URL,
		Vehicle:        "car",
		SessionPath:    filepath.Join(t.TempDir(), "session.db"),
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
	return f
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out lockedBuffer
	err := run(context.Background(), f.cfg, args, &out)
	return out.String(), err
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	_, err := f.run(t, "login", "pat", "secret")
	require.NoError(t, err)
}

func TestRun_Usage(t *testing.T) {
	f := newFixture(t)
	for _, args := range [][]string{nil, {"bogus"}, {"login", "pat"}, {"watch"}, {"start"}, {"mark", "t1", "a1"}} {
		_, err := f.run(t, args...)
		assert.ErrorIs(t, err, errUsage, "args %v", args)
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "login", "pat", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "signed in as pat (parent)")

	store, err := session.Open(f.cfg.SessionPath)
	require.NoError(t, err)
	id, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", id.Token)
	assert.Equal(t, "64b7f0c2a1b2c3d4e5f60718", id.UserID)
	require.NoError(t, store.Close())

	out, err = f.run(t, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "pat (parent) id=64b7f0c2a1b2c3d4e5f60718")

	_, err = f.run(t, "logout")
	require.NoError(t, err)
	_, err = f.run(t, "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestLogin_BadCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "login", "pat", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = f.run(t, "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestExpiredSession(t *testing.T) {
	f := newFixture(t)
	store, err := session.Open(f.cfg.SessionPath)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), session.Identity{
		UserID: "u1", Username: "pat", Role: "parent", Token: "tok", ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, store.Close())

	_, err = f.run(t, "complete", "t2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	out, err := f.run(t, "complete", "t2")
	require.NoError(t, err)
	assert.Contains(t, out, "trip t2 is completed")
	f.mu.Lock()
	assert.Equal(t, "completed", f.patched["t2"])
	f.mu.Unlock()

	_, err = f.run(t, "start", "t3")
	assert.Error(t, err)
}

func TestMark(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	out, err := f.run(t, "mark", "t1", "a1", "picked_up")
	require.NoError(t, err)
	assert.Contains(t, out, "Ana at st1 is picked_up")
	assert.Contains(t, out, "attendance: absent=0 awaiting=1 picked_up=1")

	_, err = f.run(t, "mark", "t1", "a1", "dropped_off")
	assert.Error(t, err)
}

func TestWatch_NothingLive(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	out, err := f.run(t, "watch", "t3")
	require.NoError(t, err)
	assert.Contains(t, out, "status completed")
	assert.Contains(t, out, "no live trips to follow")
}

func TestWatch_FollowsUntilClosed(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	var out lockedBuffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, f.cfg, []string{"watch", "t1"}, &out) }()

	require.Eventually(t, func() bool {
		return len(f.hub.Registry().Subscribers("t1")) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.hub.Publish(context.Background(), models.LocationSample{
		TripID: "t1", BusID: "bus-1", Lat: 10.775, Lon: 106.695, Timestamp: time.Now(),
	}))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bus bus-1 at 10.77500,106.69500")
	}, 3*time.Second, 10*time.Millisecond)

	f.hub.CloseTrip("t1")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not return after the trip closed")
	}

	text := out.String()
	assert.Contains(t, text, "trip t1  pickup 2024-09-02 07:10  bus bus-1  status in_progress")
	assert.Contains(t, text, "route: 2 points")
	assert.Contains(t, text, "attendance: absent=0 awaiting=2 picked_up=0")
	assert.Contains(t, text, "[t1] trip closed")
}
