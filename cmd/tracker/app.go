package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/attendance"
	"github.com/ukydev/schoolbus-dispatch/internal/backend"
	"github.com/ukydev/schoolbus-dispatch/internal/config"
	"github.com/ukydev/schoolbus-dispatch/internal/directions"
	"github.com/ukydev/schoolbus-dispatch/internal/hub"
	"github.com/ukydev/schoolbus-dispatch/internal/hubclient"
	"github.com/ukydev/schoolbus-dispatch/internal/lifecycle"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
	"github.com/ukydev/schoolbus-dispatch/internal/routing"
	"github.com/ukydev/schoolbus-dispatch/internal/session"
	"github.com/ukydev/schoolbus-dispatch/internal/tripview"
)

var errNotSignedIn = errors.New("not signed in, run: tracker login <username> <password>")

type app struct {
	cfg      *config.ClientConfig
	sessions *session.Store
	out      io.Writer
	http     *http.Client
	now      func() time.Time
}

func openApp(cfg *config.ClientConfig, out io.Writer) (*app, error) {
	store, err := session.Open(cfg.SessionPath)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:      cfg,
		sessions: store,
		out:      out,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}, nil
}

func (a *app) Close() {
	if err := a.sessions.Close(); err != nil {
		log.WithError(err).Warn("Failed to close session store")
	}
}

func (a *app) login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.APIURL, "/")+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("login failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var lr models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	id := session.Identity{
		UserID:    lr.User.ID.Hex(),
		Username:  lr.User.Username,
		Role:      string(lr.User.Role),
		Token:     lr.Token,
		ExpiresAt: lr.ExpiresAt,
	}
	if err := a.sessions.Save(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "signed in as %s (%s) until %s\n", id.Username, id.Role, id.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.sessions.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "signed out")
	return nil
}

func (a *app) identity(ctx context.Context) (*session.Identity, error) {
	id, err := a.sessions.Load(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil, errNotSignedIn
	}
	if err != nil {
		return nil, err
	}
	if id.Expired(a.now()) {
		return nil, fmt.Errorf("session of %s expired, sign in again", id.Username)
	}
	return id, nil
}

func (a *app) whoami(ctx context.Context) error {
	id, err := a.identity(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s (%s) id=%s\n", id.Username, id.Role, id.UserID)
	return nil
}

// services builds the client-side trip services over the REST backend.
func (a *app) services(id *session.Identity) (*backend.Client, *lifecycle.Manager, *attendance.Tracker, *routing.Composer) {
	store := backend.NewClient(a.cfg.BackendURL, id.Token, 10*time.Second)
	tracker := attendance.NewTracker(store, store)
	manager := lifecycle.NewManager(lifecycle.Stores{
		Trips:      store,
		Routes:     store,
		Locations:  store,
		Incidents:  store,
		Attendance: store,
	}, nil, nil, tracker)

	var provider routing.Provider
	if a.cfg.DirectionsURL != "" {
		provider = directions.NewClient(a.cfg.DirectionsURL, a.cfg.DirectionsKey, 10*time.Second)
	}
	return store, manager, tracker, routing.NewComposer(provider)
}

func (a *app) transition(ctx context.Context, action, tripID string) error {
	id, err := a.identity(ctx)
	if err != nil {
		return err
	}
	_, manager, _, _ := a.services(id)

	var trip *models.Trip
	switch action {
	case "start":
		trip, err = manager.Start(ctx, tripID)
	case "delay":
		trip, err = manager.Delay(ctx, tripID)
	case "complete":
		trip, err = manager.Complete(ctx, tripID)
	case "cancel":
		trip, err = manager.Cancel(ctx, tripID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "trip %s is %s\n", trip.ID, trip.Status)
	return nil
}

func (a *app) mark(ctx context.Context, tripID, attendanceID, status string) error {
	id, err := a.identity(ctx)
	if err != nil {
		return err
	}
	_, _, tracker, _ := a.services(id)
	if _, err := tracker.Load(ctx, tripID); err != nil {
		return err
	}
	rec, err := tracker.SetStatus(ctx, attendanceID, models.AttendanceStatus(status))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s at %s is %s\n", rec.StudentName, rec.StopID, rec.Status)
	printCounts(a.out, tracker.Counts(tripID))
	return nil
}

// watch opens every trip and prints hub events until ctx ends or the hub
// connection is given up.
func (a *app) watch(ctx context.Context, tripIDs []string) error {
	id, err := a.identity(ctx)
	if err != nil {
		return err
	}
	store, manager, tracker, composer := a.services(id)

	client := hubclient.New(hubclient.Options{
		URL:            a.cfg.HubURL,
		UserID:         id.UserID,
		Token:          id.Token,
		MaxRetries:     a.cfg.MaxRetries,
		InitialBackoff: a.cfg.InitialBackoff,
		MaxBackoff:     a.cfg.MaxBackoff,
		CloseWhenIdle:  true,
	})
	view := tripview.New(tripview.Deps{
		Trips:      manager,
		Routes:     store,
		Locations:  store,
		Hub:        client,
		Composer:   composer,
		Attendance: tracker,
		Profile:    a.cfg.Vehicle,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	live := 0
	for _, tripID := range tripIDs {
		snap, err := view.Open(ctx, tripID)
		if err != nil {
			return fmt.Errorf("open trip %s: %w", tripID, err)
		}
		printSnapshot(a.out, snap)
		printCounts(a.out, tracker.Counts(tripID))
		if snap.Live {
			live++
		}
	}
	if live == 0 {
		fmt.Fprintln(a.out, "no live trips to follow")
		return nil
	}

	for ev := range client.Events() {
		printEvent(a.out, ev)
		if ev.Type == hub.TypeTripClosed {
			view.Close(ev.TripID)
		}
	}
	return <-runErr
}

func printSnapshot(w io.Writer, s *tripview.Snapshot) {
	t := s.Trip
	fmt.Fprintf(w, "trip %s  %s %s %s  bus %s  status %s\n", t.ID, t.Kind, t.ServiceDate, t.DepartureTime, t.BusID, t.Status)
	if s.Geometry != nil {
		fmt.Fprintf(w, "  route: %d points, center %.5f,%.5f zoom %d\n",
			len(s.Geometry.Path), s.Geometry.Viewport.Center.Lat, s.Geometry.Viewport.Center.Lon, s.Geometry.Viewport.Zoom)
	}
	if s.Location != nil {
		fmt.Fprintf(w, "  last seen %.5f,%.5f at %s\n", s.Location.Lat, s.Location.Lon, s.Location.Timestamp.Local().Format(time.Kitchen))
	}
}

func printCounts(w io.Writer, counts map[models.AttendanceStatus]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[models.AttendanceStatus(k)]))
	}
	fmt.Fprintf(w, "  attendance: %s\n", strings.Join(parts, " "))
}

func printEvent(w io.Writer, ev hubclient.Event) {
	switch ev.Type {
	case hub.TypeBusLocationUpdate:
		if l := ev.Location; l != nil {
			fmt.Fprintf(w, "[%s] bus %s at %.5f,%.5f\n", l.TripID, l.BusID, l.Latitude, l.Longitude)
		}
	case hub.TypeNotification:
		if n := ev.Notification; n != nil {
			fmt.Fprintf(w, "[%s] %s: %s\n", n.TripID, n.Kind, n.Message)
		}
	case hub.TypeTripClosed:
		fmt.Fprintf(w, "[%s] trip closed\n", ev.TripID)
	case hub.TypeError:
		if e := ev.Error; e != nil {
			fmt.Fprintf(w, "hub error: %s\n", e.Message)
		}
	}
}
