// Package routing builds a continuous bus path from an ordered stop list.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/directions"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
	"github.com/ukydev/schoolbus-dispatch/internal/polyline"
)

var ErrNotEnoughStops = errors.New("route needs at least two stops")

// Provider returns an encoded polyline for one origin/destination pair.
type Provider interface {
	Route(ctx context.Context, req directions.Request) (string, error)
}

// Metrics receives composer observations. A nil Metrics is allowed.
type Metrics interface {
	SegmentFallback()
	ComposeObserve(d time.Duration)
}

// Composer turns stops into a path and viewport, caching by stop identity.
type Composer struct {
	provider       Provider
	segmentTimeout time.Duration
	padding        float64
	degradedTTL    time.Duration
	cache          gcache.Cache
	metrics        Metrics
}

// Option configures a Composer.
type Option func(*Composer)

// WithSegmentTimeout bounds each provider call.
func WithSegmentTimeout(d time.Duration) Option { return func(c *Composer) { c.segmentTimeout = d } }

// WithPadding sets the viewport padding factor.
func WithPadding(p float64) Option { return func(c *Composer) { c.padding = p } }

// WithCacheSize sets how many geometries are kept.
func WithCacheSize(n int) Option {
	return func(c *Composer) { c.cache = gcache.New(n).LRU().Build() }
}

// WithDegradedTTL sets how long a geometry containing straight-line fallbacks stays cached.
func WithDegradedTTL(d time.Duration) Option { return func(c *Composer) { c.degradedTTL = d } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(c *Composer) { c.metrics = m } }

// NewComposer creates a composer backed by provider.
func NewComposer(provider Provider, opts ...Option) *Composer {
	c := &Composer{
		provider:       provider,
		segmentTimeout: 10 * time.Second,
		padding:        DefaultPadding,
		degradedTTL:    time.Minute,
		cache:          gcache.New(256).LRU().Build(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(stops []models.Stop, profile string) string {
	return profile + "|" + models.StopKey(stops)
}

// Compose returns the geometry for stops, reusing the cached result while the
// ordered stop ids and profile are unchanged. A failed or empty segment is
// replaced by a straight line between its two stops.
func (c *Composer) Compose(ctx context.Context, stops []models.Stop, profile string) (*models.RouteGeometry, error) {
	if len(stops) < 2 {
		return nil, ErrNotEnoughStops
	}
	key := cacheKey(stops, profile)
	if v, err := c.cache.Get(key); err == nil {
		return v.(*models.RouteGeometry), nil
	}

	start := time.Now()
	segments, fallbacks := c.fetchSegments(ctx, stops, profile)
	path := Stitch(segments)

	geom := &models.RouteGeometry{
		StopKey:   models.StopKey(stops),
		Profile:   profile,
		Path:      path,
		Viewport:  FitViewport(stops, path, c.padding),
		Fallbacks: fallbacks,
	}

	// The caller may have gone away while segments were in flight.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fallbacks > 0 {
		_ = c.cache.SetWithExpire(key, geom, c.degradedTTL)
	} else {
		_ = c.cache.Set(key, geom)
	}
	if c.metrics != nil {
		c.metrics.ComposeObserve(time.Since(start))
	}
	log.WithFields(log.Fields{
		"stops":     len(stops),
		"points":    len(path),
		"fallbacks": fallbacks,
		"zoom":      geom.Viewport.Zoom,
	}).Debug("Composed route geometry")
	return geom, nil
}

// Viewport returns the cached optimal viewport for a stop list, if composed.
func (c *Composer) Viewport(stops []models.Stop, profile string) (models.Viewport, bool) {
	v, err := c.cache.Get(cacheKey(stops, profile))
	if err != nil {
		return models.Viewport{}, false
	}
	return v.(*models.RouteGeometry).Viewport, true
}

// Invalidate drops any cached geometry for the stop list.
func (c *Composer) Invalidate(stops []models.Stop, profile string) {
	c.cache.Remove(cacheKey(stops, profile))
}

func (c *Composer) fetchSegments(ctx context.Context, stops []models.Stop, profile string) ([][]models.Location, int) {
	segments := make([][]models.Location, len(stops)-1)
	failed := make([]bool, len(stops)-1)

	var wg sync.WaitGroup
	for i := 0; i < len(stops)-1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := stops[i], stops[i+1]
			pts, err := c.fetchSegment(ctx, from, to, profile)
			if err != nil || len(pts) == 0 {
				log.WithFields(log.Fields{
					"from": from.ID,
					"to":   to.ID,
				}).WithError(err).Warn("Directions segment unavailable, using straight line")
				pts = []models.Location{from.Location(), to.Location()}
				failed[i] = true
			}
			segments[i] = pts
		}(i)
	}
	wg.Wait()

	fallbacks := 0
	for _, f := range failed {
		if f {
			fallbacks++
			if c.metrics != nil {
				c.metrics.SegmentFallback()
			}
		}
	}
	return segments, fallbacks
}

func (c *Composer) fetchSegment(ctx context.Context, from, to models.Stop, profile string) ([]models.Location, error) {
	if c.provider == nil {
		return nil, errors.New("no directions provider configured")
	}
	sctx, cancel := context.WithTimeout(ctx, c.segmentTimeout)
	defer cancel()
	encoded, err := c.provider.Route(sctx, directions.Request{
		Origin:      from.Location(),
		Destination: to.Location(),
		Vehicle:     profile,
	})
	if err != nil {
		return nil, err
	}
	pts, err := polyline.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("segment %s->%s: %w", from.ID, to.ID, err)
	}
	return pts, nil
}

// Stitch joins per-segment paths, dropping the first point of a segment when it
// repeats the last point of the path so far.
func Stitch(segments [][]models.Location) []models.Location {
	var path []models.Location
	for _, seg := range segments {
		for j, p := range seg {
			if j == 0 && len(path) > 0 && path[len(path)-1].Equal(p) {
				continue
			}
			path = append(path, p)
		}
	}
	return path
}
