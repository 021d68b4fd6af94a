// Package hub fans live bus locations out to authenticated viewer connections.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// Sender delivers frames to one connection without blocking.
type Sender interface {
	// Send returns false when the frame was dropped.
	Send(env Envelope) bool
	Close()
}

// TokenValidator checks the token presented in an authenticate frame.
type TokenValidator interface {
	ValidateToken(token string) (*models.Claims, error)
}

// Forwarder relays published samples to other hub instances.
type Forwarder interface {
	Forward(ctx context.Context, sample models.LocationSample) error
}

// Metrics receives hub counters.
type Metrics interface {
	ConnectionsSet(n int)
	MessagesDelivered(n int)
	MessageDropped()
}

// Audience selects notification recipients by role or user id.
type Audience struct {
	Roles   []models.Role
	UserIDs []string
}

// Includes reports whether p belongs to the audience.
func (a Audience) Includes(p Principal) bool {
	for _, r := range a.Roles {
		if p.Role == r {
			return true
		}
	}
	for _, id := range a.UserIDs {
		if p.UserID == id {
			return true
		}
	}
	return false
}

type delivery struct {
	env        Envelope
	recipients []string
	final      bool
}

type tripWorker struct {
	queue chan delivery
	done  chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(h *Hub) { h.metrics = m } }

// WithForwarder relays every Publish to other instances.
func WithForwarder(f Forwarder) Option { return func(h *Hub) { h.forward = f } }

// WithQueueSize sets the per-trip delivery queue length.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// Hub routes location samples and notifications to connections.
// Each trip has its own worker goroutine so one trip's frames are delivered
// in publish order while different trips proceed concurrently.
type Hub struct {
	reg       *Registry
	auth      TokenValidator
	metrics   Metrics
	forward   Forwarder
	queueSize int

	mu      sync.Mutex
	senders map[string]Sender
	workers map[string]*tripWorker
	quit    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a hub that authenticates connections with auth.
func New(auth TokenValidator, opts ...Option) *Hub {
	h := &Hub{
		reg:       NewRegistry(),
		auth:      auth,
		queueSize: 64,
		senders:   make(map[string]Sender),
		workers:   make(map[string]*tripWorker),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry exposes the subscription registry for inspection.
func (h *Hub) Registry() *Registry { return h.reg }

// Attach registers a new unauthenticated connection and returns its id.
func (h *Hub) Attach(s Sender) string {
	connID := uuid.NewString()
	h.reg.Register(connID)
	h.mu.Lock()
	h.senders[connID] = s
	n := len(h.senders)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionsSet(n)
	}
	log.WithField("conn_id", connID).Debug("Hub connection attached")
	return connID
}

// Detach forgets a connection. It is safe to call more than once.
func (h *Hub) Detach(connID string) {
	trips := h.reg.Remove(connID)
	h.mu.Lock()
	_, ok := h.senders[connID]
	delete(h.senders, connID)
	n := len(h.senders)
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ConnectionsSet(n)
	}
	log.WithFields(log.Fields{
		"conn_id": connID,
		"trips":   trips,
	}).Debug("Hub connection detached")
}

// Disconnect closes a connection from the server side.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	s, ok := h.senders[connID]
	h.mu.Unlock()
	h.Detach(connID)
	if ok {
		s.Close()
	}
}

// Handle processes one inbound frame from connID.
func (h *Hub) Handle(connID string, env Envelope) {
	var err error
	switch env.Type {
	case TypeAuthenticate:
		err = h.authenticate(connID, env)
	case TypeSubscribeTrip:
		err = h.subscribe(connID, env)
	case TypeUnsubscribeTrip:
		err = h.unsubscribe(connID, env)
	default:
		err = fmt.Errorf("unsupported message type %q", env.Type)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"conn_id": connID,
			"type":    env.Type,
		}).WithError(err).Debug("Hub request rejected")
		payload := ErrorPayload{Message: err.Error(), Request: env.Type}
		var tp TripPayload
		if env.Decode(&tp) == nil {
			payload.TripID = tp.TripID
		}
		h.reply(connID, TypeError, payload)
	}
}

func (h *Hub) authenticate(connID string, env Envelope) error {
	var p AuthenticatePayload
	if err := env.Decode(&p); err != nil {
		return fmt.Errorf("invalid authenticate payload: %w", err)
	}
	if _, ok := h.reg.Principal(connID); ok {
		return apperr.ErrAlreadyAuthenticated
	}
	if p.UserID == "" {
		return fmt.Errorf("user_id is required: %w", apperr.ErrNotAuthenticated)
	}
	claims, err := h.auth.ValidateToken(p.Token)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrNotAuthenticated, err)
	}
	if claims.UserID != p.UserID {
		return fmt.Errorf("token does not belong to user %s: %w", p.UserID, apperr.ErrNotAuthenticated)
	}
	principal := Principal{UserID: claims.UserID, Role: claims.Role}
	if err := h.reg.Authenticate(connID, principal); err != nil {
		return err
	}
	h.reply(connID, TypeAuthenticated, AuthenticatedPayload{UserID: principal.UserID, Role: principal.Role})
	return nil
}

func (h *Hub) subscribe(connID string, env Envelope) error {
	var p TripPayload
	if err := env.Decode(&p); err != nil || p.TripID == "" {
		return errors.New("trip_id is required")
	}
	if _, err := h.reg.Subscribe(connID, p.TripID); err != nil {
		return err
	}
	h.reply(connID, TypeSubscribed, p)
	return nil
}

func (h *Hub) unsubscribe(connID string, env Envelope) error {
	var p TripPayload
	if err := env.Decode(&p); err != nil || p.TripID == "" {
		return errors.New("trip_id is required")
	}
	if _, ok := h.reg.Principal(connID); !ok {
		return apperr.ErrNotAuthenticated
	}
	h.reg.Unsubscribe(connID, p.TripID)
	h.reply(connID, TypeUnsubscribed, p)
	return nil
}

func (h *Hub) reply(connID string, t MessageType, payload any) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		log.WithError(err).Error("Failed to build hub reply")
		return
	}
	h.send(connID, env)
}

func (h *Hub) send(connID string, env Envelope) bool {
	h.mu.Lock()
	s, ok := h.senders[connID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	if !s.Send(env) {
		if h.metrics != nil {
			h.metrics.MessageDropped()
		}
		log.WithFields(log.Fields{
			"conn_id": connID,
			"type":    env.Type,
		}).Warn("Dropped frame for slow connection")
		return false
	}
	return true
}

// Publish delivers sample to the current subscribers of its trip and forwards
// it to other instances. Samples for closed trips are rejected.
func (h *Hub) Publish(ctx context.Context, sample models.LocationSample) error {
	if err := h.Deliver(ctx, sample); err != nil {
		return err
	}
	if h.forward != nil {
		if err := h.forward.Forward(ctx, sample); err != nil {
			log.WithField("trip_id", sample.TripID).WithError(err).Warn("Failed to forward location sample")
		}
	}
	return nil
}

// Deliver fans sample out to local subscribers only.
func (h *Hub) Deliver(ctx context.Context, sample models.LocationSample) error {
	if sample.TripID == "" {
		return errors.New("location sample without trip_id")
	}
	env, err := NewEnvelope(TypeBusLocationUpdate, NewBusLocationUpdate(sample))
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.reg.IsClosed(sample.TripID) {
		h.mu.Unlock()
		return fmt.Errorf("trip %s: %w", sample.TripID, apperr.ErrTripClosed)
	}
	recipients := h.reg.Subscribers(sample.TripID)
	if len(recipients) == 0 {
		h.mu.Unlock()
		return nil
	}
	w, err := h.workerLocked(sample.TripID)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.enqueue(ctx, w, delivery{env: env, recipients: recipients})
}

// Notify sends n to every connection in the audience and returns how many
// connections were targeted. Notifications about an open trip share its
// delivery order with location updates.
func (h *Hub) Notify(ctx context.Context, audience Audience, n Notification) (int, error) {
	env, err := NewEnvelope(TypeNotification, n)
	if err != nil {
		return 0, err
	}
	recipients := h.reg.Match(audience.Includes)
	if len(recipients) == 0 {
		return 0, nil
	}

	if n.TripID != "" {
		h.mu.Lock()
		var w *tripWorker
		if !h.reg.IsClosed(n.TripID) {
			w, err = h.workerLocked(n.TripID)
		}
		h.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if w != nil {
			return len(recipients), h.enqueue(ctx, w, delivery{env: env, recipients: recipients})
		}
	}
	h.deliver(delivery{env: env, recipients: recipients})
	return len(recipients), nil
}

// OpenTrip makes a trip eligible for subscriptions.
func (h *Hub) OpenTrip(tripID string) {
	h.reg.OpenTrip(tripID)
}

// CloseTrip stops accepting samples for tripID, tells its subscribers with a
// trip_closed frame and releases their subscriptions.
func (h *Hub) CloseTrip(tripID string) {
	env, err := NewEnvelope(TypeTripClosed, TripPayload{TripID: tripID})
	if err != nil {
		log.WithError(err).Error("Failed to build trip_closed frame")
		return
	}
	h.mu.Lock()
	conns := h.reg.CloseTrip(tripID)
	w := h.workers[tripID]
	delete(h.workers, tripID)
	h.mu.Unlock()

	d := delivery{env: env, recipients: conns, final: true}
	if w == nil {
		h.deliver(d)
		return
	}
	if err := h.enqueue(context.Background(), w, d); err != nil {
		h.deliver(d)
	}
	log.WithFields(log.Fields{
		"trip_id":     tripID,
		"subscribers": len(conns),
	}).Info("Trip closed on hub")
}

// TripOpened implements the lifecycle observer hook.
func (h *Hub) TripOpened(tripID string) { h.OpenTrip(tripID) }

// TripClosed implements the lifecycle observer hook.
func (h *Hub) TripClosed(tripID string) { h.CloseTrip(tripID) }

func (h *Hub) workerLocked(tripID string) (*tripWorker, error) {
	if h.stopped {
		return nil, errors.New("hub stopped")
	}
	if w, ok := h.workers[tripID]; ok {
		return w, nil
	}
	w := &tripWorker{
		queue: make(chan delivery, h.queueSize),
		done:  make(chan struct{}),
	}
	h.workers[tripID] = w
	h.wg.Add(1)
	go h.runWorker(w)
	return w, nil
}

func (h *Hub) enqueue(ctx context.Context, w *tripWorker, d delivery) error {
	select {
	case w.queue <- d:
		return nil
	case <-w.done:
		return apperr.ErrTripClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) runWorker(w *tripWorker) {
	defer h.wg.Done()
	defer close(w.done)
	for {
		select {
		case d := <-w.queue:
			h.deliver(d)
			if d.final {
				return
			}
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) deliver(d delivery) {
	sent := 0
	for _, connID := range d.recipients {
		if h.send(connID, d.env) {
			sent++
		}
	}
	if h.metrics != nil && sent > 0 {
		h.metrics.MessagesDelivered(sent)
	}
}

// Connections returns the number of attached connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.senders)
}

// Close stops every trip worker and closes all connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.quit)
	senders := make([]Sender, 0, len(h.senders))
	for _, s := range h.senders {
		senders = append(senders, s)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Timed out waiting for hub workers")
	}
	for _, s := range senders {
		s.Close()
	}
}
