// Package backend implements the dispatch collections against the school
// platform's REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/db"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// Client is a db.Store backed by HTTP calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	tracer     trace.Tracer
}

var _ db.Store = (*Client)(nil)

// NewClient creates a backend client. token, when set, is sent as a bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		tracer:  otel.Tracer("backend-client"),
	}
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s %s returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps 404 to apperr.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return apperr.ErrNotFound
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) (int, error) {
	ctx, span := c.tracer.Start(ctx, "backend."+strings.ToLower(method),
		trace.WithAttributes(attribute.String("backend.path", path)),
	)
	defer span.End()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, c.fail(span, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, c.fail(span, fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, c.fail(span, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode == http.StatusPreconditionFailed {
			return resp.StatusCode, err
		}
		return resp.StatusCode, c.fail(span, err)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, c.fail(span, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func esc(s string) string { return url.PathEscape(s) }

func (c *Client) FindTripByID(ctx context.Context, id string) (*models.Trip, error) {
	var trip models.Trip
	if _, err := c.do(ctx, http.MethodGet, "/trips/"+esc(id), nil, nil, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

func (c *Client) FindTripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	var trips []models.Trip
	if _, err := c.do(ctx, http.MethodGet, "/drivers/"+esc(driverID)+"/trips", nil, nil, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// UpdateTripStatus sends the expected current statuses along with the new one.
// The backend answers 409 or 412 when the trip has moved on.
func (c *Client) UpdateTripStatus(ctx context.Context, id string, from []models.TripStatus, status models.TripStatus) error {
	body := map[string]any{"status": status, "expected_status": from}
	code, err := c.do(ctx, http.MethodPatch, "/trips/"+esc(id), nil, body, nil)
	if code == http.StatusConflict || code == http.StatusPreconditionFailed {
		return fmt.Errorf("trip %s: %w", id, apperr.ErrInvalidTransition)
	}
	return err
}

func (c *Client) AssignDriver(ctx context.Context, tripID, driverID string) error {
	_, err := c.do(ctx, http.MethodPatch, "/trips/"+esc(tripID), nil, map[string]any{"driver_id": driverID}, nil)
	return err
}

func (c *Client) FindAttendanceByTrip(ctx context.Context, tripID string) ([]models.AttendanceRecord, error) {
	var recs []models.AttendanceRecord
	if _, err := c.do(ctx, http.MethodGet, "/trips/"+esc(tripID)+"/attendance", nil, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) UpdateAttendanceStatus(ctx context.Context, id string, status models.AttendanceStatus) (*models.AttendanceRecord, error) {
	var rec models.AttendanceRecord
	if _, err := c.do(ctx, http.MethodPatch, "/attendance/"+esc(id), nil, map[string]any{"status": status}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) FindRouteByID(ctx context.Context, id string) (*models.Route, error) {
	var route models.Route
	if _, err := c.do(ctx, http.MethodGet, "/routes/"+esc(id), nil, nil, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

func (c *Client) LatestLocation(ctx context.Context, tripID string) (*models.LocationSample, error) {
	var s models.LocationSample
	if _, err := c.do(ctx, http.MethodGet, "/trips/"+esc(tripID)+"/location", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) LatestLocations(ctx context.Context) ([]models.LocationSample, error) {
	var out []models.LocationSample
	if _, err := c.do(ctx, http.MethodGet, "/locations/latest", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SaveLocation(ctx context.Context, sample models.LocationSample) error {
	_, err := c.do(ctx, http.MethodPut, "/trips/"+esc(sample.TripID)+"/location", nil, sample, nil)
	return err
}

// SeedLocation uses a conditional PUT; 412 means a location already exists.
func (c *Client) SeedLocation(ctx context.Context, sample models.LocationSample) (bool, error) {
	h := http.Header{}
	h.Set("If-None-Match", "*")
	code, err := c.do(ctx, http.MethodPut, "/trips/"+esc(sample.TripID)+"/location", h, sample, nil)
	if code == http.StatusPreconditionFailed {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertIncident posts the incident; 409 means the id is already stored.
func (c *Client) InsertIncident(ctx context.Context, incident models.Incident) error {
	code, err := c.do(ctx, http.MethodPost, "/trips/"+esc(incident.TripID)+"/incidents", nil, incident, nil)
	if code == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) FindDriverByID(ctx context.Context, id string) (*models.Driver, error) {
	var d models.Driver
	if _, err := c.do(ctx, http.MethodGet, "/drivers/"+esc(id), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) DeleteDriver(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/drivers/"+esc(id), nil, nil, nil)
	return err
}
