// Package hubclient is a viewer-side connection to the location hub that
// survives network drops.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/hub"
)

const (
	writeWait    = 10 * time.Second
	eventsBuffer = 64
)

// ErrClosed is returned once the client has been closed or went idle.
var ErrClosed = errors.New("hub client closed")

// Options configures a Client.
type Options struct {
	URL    string
	UserID string
	Token  string

	// MaxRetries is the number of consecutive failed connection attempts
	// after which Run gives up with apperr.ErrConnectionLost. A connection
	// dropped before StableAfter counts as a failed attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StableAfter    time.Duration

	HandshakeTimeout time.Duration

	// CloseWhenIdle ends Run once no trip is watched any more.
	CloseWhenIdle bool
}

// Event is one frame received from the hub, decoded by type.
type Event struct {
	Type         hub.MessageType
	TripID       string
	Location     *hub.BusLocationUpdate
	Notification *hub.Notification
	Error        *hub.ErrorPayload
}

// Client keeps one authenticated hub connection and the set of trips it should watch.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	events chan Event

	mu      sync.Mutex
	desired map[string]struct{}
	conn    *websocket.Conn
	running bool
	done    bool
	stop    context.CancelFunc

	writeMu sync.Mutex
}

// New creates a client. Nothing is dialed until Run.
func New(opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		events:  make(chan Event, eventsBuffer),
		desired: make(map[string]struct{}),
	}
}

// Events delivers decoded frames. It is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// Run connects and keeps the connection alive until ctx is cancelled, Close is
// called or the client goes idle. Failed dials and dropped connections both
// wait out the next capped exponential backoff before reconnecting, then
// authenticate again and replay every watched trip.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("hub client already running")
	}
	c.running = true
	c.stop = cancel
	done := c.done
	c.mu.Unlock()
	defer close(c.events)
	if done {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	failures := 0
	for {
		conn, err := c.dial(runCtx)
		if err == nil {
			connected := time.Now()
			err = c.readLoop(runCtx, conn)

			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if runCtx.Err() != nil {
				return c.exitErr(ctx, runCtx.Err())
			}
			if time.Since(connected) >= c.opts.StableAfter {
				b.Reset()
				failures = 0
			}
			log.WithField("url", c.opts.URL).WithError(err).Warn("Hub connection dropped")
		} else {
			if runCtx.Err() != nil {
				return c.exitErr(ctx, runCtx.Err())
			}
			if errors.Is(err, apperr.ErrNotAuthenticated) {
				return c.exitErr(ctx, err)
			}
		}

		failures++
		if failures >= c.opts.MaxRetries {
			return c.exitErr(ctx, fmt.Errorf("%w after %d attempts: %v", apperr.ErrConnectionLost, failures, err))
		}
		wait := b.NextBackOff()
		log.WithFields(log.Fields{
			"url":      c.opts.URL,
			"attempt":  failures,
			"retry_in": wait,
		}).WithError(err).Warn("Hub connection attempt failed")
		if err := sleep(runCtx, wait); err != nil {
			return c.exitErr(ctx, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) exitErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	if err := c.handshake(ws); err != nil {
		ws.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = ws
	trips := sortedKeys(c.desired)
	c.mu.Unlock()

	for _, tripID := range trips {
		if err := c.send(ws, hub.TypeSubscribeTrip, hub.TripPayload{TripID: tripID}); err != nil {
			ws.Close()
			return nil, fmt.Errorf("replay subscription %s: %w", tripID, err)
		}
	}
	log.WithFields(log.Fields{"url": c.opts.URL, "trips": trips}).Info("Hub connected")
	return ws, nil
}

// handshake authenticates ws. A rejection by the hub is not retried.
func (c *Client) handshake(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	if err := c.send(ws, hub.TypeAuthenticate, hub.AuthenticatePayload{UserID: c.opts.UserID, Token: c.opts.Token}); err != nil {
		return err
	}
	for {
		var env hub.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return fmt.Errorf("read authenticate reply: %w", err)
		}
		switch env.Type {
		case hub.TypeAuthenticated:
			return nil
		case hub.TypeError:
			var p hub.ErrorPayload
			_ = env.Decode(&p)
			if p.Request == hub.TypeAuthenticate {
				return fmt.Errorf("%w: %s", apperr.ErrNotAuthenticated, p.Message)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
			conn.Close()
		case <-stopped:
			conn.Close()
		}
	}()

	for {
		var env hub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) dispatch(ctx context.Context, env hub.Envelope) {
	ev := Event{Type: env.Type}
	switch env.Type {
	case hub.TypeBusLocationUpdate:
		var p hub.BusLocationUpdate
		if err := env.Decode(&p); err != nil {
			log.WithError(err).Warn("Malformed location update")
			return
		}
		ev.TripID, ev.Location = p.TripID, &p
	case hub.TypeNotification:
		var p hub.Notification
		if err := env.Decode(&p); err != nil {
			log.WithError(err).Warn("Malformed notification")
			return
		}
		ev.TripID, ev.Notification = p.TripID, &p
	case hub.TypeError:
		var p hub.ErrorPayload
		_ = env.Decode(&p)
		ev.TripID, ev.Error = p.TripID, &p
	case hub.TypeSubscribed, hub.TypeUnsubscribed, hub.TypeTripClosed:
		var p hub.TripPayload
		_ = env.Decode(&p)
		ev.TripID = p.TripID
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
	if env.Type == hub.TypeTripClosed {
		c.forget(ev.TripID)
	}
}

// Subscribe adds tripID to the watched set and asks the hub for its updates.
func (c *Client) Subscribe(tripID string) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ErrClosed
	}
	c.desired[tripID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, hub.TypeSubscribeTrip, hub.TripPayload{TripID: tripID})
}

// Unsubscribe stops watching tripID. With CloseWhenIdle, removing the last
// trip closes the connection and ends Run.
func (c *Client) Unsubscribe(tripID string) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.desired, tripID)
	conn := c.conn
	idle := c.opts.CloseWhenIdle && len(c.desired) == 0
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = c.send(conn, hub.TypeUnsubscribeTrip, hub.TripPayload{TripID: tripID})
	}
	if idle {
		c.shutdown()
	}
	return err
}

func (c *Client) forget(tripID string) {
	c.mu.Lock()
	delete(c.desired, tripID)
	idle := c.opts.CloseWhenIdle && len(c.desired) == 0
	c.mu.Unlock()
	if idle {
		c.shutdown()
	}
}

// Subscriptions returns the watched trips.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.desired)
}

// Close ends Run and closes the connection.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.done = true
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Client) send(conn *websocket.Conn, t hub.MessageType, payload any) error {
	env, err := hub.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
