package handlers

import (
	"context"
	"net/http"

	"github.com/ukydev/schoolbus-dispatch/internal/feed"
)

// FeedEncoder renders a serialized realtime feed.
type FeedEncoder interface {
	Encode(ctx context.Context) ([]byte, error)
}

// VehiclePositions serves the GTFS-realtime vehicle positions feed.
func VehiclePositions(enc FeedEncoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := enc.Encode(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", feed.ContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
