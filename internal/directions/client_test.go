package directions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

func TestRoute_MockServer(t *testing.T) {
	var gotQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Direction", r.URL.Path)
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK","routes":[{"overview_polyline":{"points":"_p~iF~ps|U_ulLnnqC"}}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second)
	points, err := client.Route(context.Background(), Request{
		Origin:      models.Location{Lat: 10.78, Lon: 106.70},
		Destination: models.Location{Lat: 10.79, Lon: 106.69},
		Waypoints:   []models.Location{{Lat: 10.785, Lon: 106.695}},
		Vehicle:     "bus",
	})
	require.NoError(t, err)
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC", points)
	assert.Equal(t, "10.780000,106.700000", gotQuery["origin"][0])
	assert.Equal(t, "10.790000,106.690000", gotQuery["destination"][0])
	assert.Equal(t, "10.785000,106.695000", gotQuery["waypoints"][0])
	assert.Equal(t, "bus", gotQuery["vehicle"][0])
	assert.Equal(t, "test-key", gotQuery["api_key"][0])
}

func TestRoute_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}},
		{"no routes", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"ZERO_RESULTS","routes":[]}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"routes":`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewClient(server.URL, "", time.Second)
			_, err := client.Route(context.Background(), Request{})
			assert.ErrorIs(t, err, apperr.ErrTransientProvider)
		})
	}
}
