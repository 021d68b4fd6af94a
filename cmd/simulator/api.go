package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// apiClient talks to the dispatch REST API on behalf of a driver.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Trip(ctx context.Context, tripID string) (*models.Trip, error) {
	var trip models.Trip
	if err := c.do(ctx, http.MethodGet, "/trips/"+tripID, nil, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

func (c *apiClient) Route(ctx context.Context, tripID string) (*models.RouteGeometry, error) {
	var geom models.RouteGeometry
	if err := c.do(ctx, http.MethodGet, "/trips/"+tripID+"/route", nil, &geom); err != nil {
		return nil, err
	}
	return &geom, nil
}

func (c *apiClient) Start(ctx context.Context, tripID string) error {
	return c.do(ctx, http.MethodPost, "/trips/"+tripID+"/start", nil, nil)
}

func (c *apiClient) Complete(ctx context.Context, tripID string) error {
	return c.do(ctx, http.MethodPost, "/trips/"+tripID+"/complete", nil, nil)
}

// publisher sends one location sample.
type publisher interface {
	Publish(ctx context.Context, sample models.LocationSample) error
	Close()
}

// httpPublisher posts samples to the trip location endpoint.
type httpPublisher struct {
	api *apiClient
}

func (p *httpPublisher) Publish(ctx context.Context, sample models.LocationSample) error {
	return p.api.do(ctx, http.MethodPost, "/trips/"+sample.TripID+"/location", sample, nil)
}

func (p *httpPublisher) Close() {}

// mqttPublisher publishes samples the way an on-board GPS unit would.
type mqttPublisher struct {
	client        mqtt.Client
	topicTemplate string
}

func newMQTTPublisher(brokerURL, clientID, topicTemplate string) (*mqttPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	log.WithField("broker", brokerURL).Info("Connected to MQTT broker")
	return &mqttPublisher{client: client, topicTemplate: topicTemplate}, nil
}

func (p *mqttPublisher) Publish(ctx context.Context, sample models.LocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	token := p.client.Publish(fmt.Sprintf(p.topicTemplate, sample.TripID), 1, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *mqttPublisher) Close() {
	p.client.Disconnect(250)
}
