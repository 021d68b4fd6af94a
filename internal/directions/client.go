// Package directions talks to the external driving-directions provider.
package directions

import (
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
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// Request asks for a driving route between two points.
type Request struct {
	Origin      models.Location
	Destination models.Location
	Waypoints   []models.Location
	Vehicle     string
}

// Client fetches encoded polylines from a Google-compatible directions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	tracer     trace.Tracer
}

// NewClient creates a directions client. baseURL is the API root, e.g. https://rsapi.goong.io.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tracer:  otel.Tracer("directions-client"),
	}
}

type routeResponse struct {
	Status string `json:"status"`
	Routes []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
	} `json:"routes"`
}

// Route returns the encoded overview polyline for the request.
// Every failure wraps apperr.ErrTransientProvider.
func (c *Client) Route(ctx context.Context, req Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "directions.route",
		trace.WithAttributes(
			attribute.String("origin", formatLatLng(req.Origin)),
			attribute.String("destination", formatLatLng(req.Destination)),
			attribute.String("vehicle", req.Vehicle),
		),
	)
	defer span.End()

	q := url.Values{}
	q.Set("origin", formatLatLng(req.Origin))
	q.Set("destination", formatLatLng(req.Destination))
	if len(req.Waypoints) > 0 {
		wps := make([]string, len(req.Waypoints))
		for i, w := range req.Waypoints {
			wps[i] = formatLatLng(w)
		}
		q.Set("waypoints", strings.Join(wps, "|"))
	}
	if req.Vehicle != "" {
		q.Set("vehicle", req.Vehicle)
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Direction?"+q.Encode(), nil)
	if err != nil {
		return "", c.fail(span, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.fail(span, fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", c.fail(span, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body)))
	}

	var out routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", c.fail(span, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(out.Routes) == 0 || out.Routes[0].OverviewPolyline.Points == "" {
		return "", c.fail(span, fmt.Errorf("no route (status %q)", out.Status))
	}
	span.SetStatus(codes.Ok, "")
	return out.Routes[0].OverviewPolyline.Points, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err, trace.WithAttributes(attribute.Bool("error.transient", true)))
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%w: %w", apperr.ErrTransientProvider, err)
}

func formatLatLng(l models.Location) string {
	return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lon)
}
