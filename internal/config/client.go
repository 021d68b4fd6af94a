package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ClientConfig configures the trip viewer and the bus simulator.
type ClientConfig struct {
	APIURL         string `validate:"required,url"`
	HubURL         string `validate:"required,url"`
	BackendURL     string `validate:"required,url"`
	DirectionsURL  string `validate:"omitempty,url"`
	DirectionsKey  string
	Vehicle        string        `validate:"required"`
	SessionPath    string        `validate:"required"`
	MaxRetries     int           `validate:"gte=1"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`
	Interval       time.Duration `validate:"gt=0"`
	SpeedKmh       float64       `validate:"gt=0"`
	MQTTBrokerURL  string
	MQTTTopic      string `validate:"required"`
	Token          string
}

// LoadClient reads client settings from .env and the environment.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		APIURL:        getenvDefault("API_BASE_URL", "http://localhost:8080/api"),
		HubURL:        getenvDefault("HUB_URL", "ws://localhost:8080/ws"),
		BackendURL:    getenvDefault("BACKEND_URL", "http://localhost:9090"),
		DirectionsURL: getenvDefault("DIRECTIONS_BASE_URL", ""),
		DirectionsKey: getenvDefault("DIRECTIONS_API_KEY", ""),
		Vehicle:       getenvDefault("DIRECTIONS_VEHICLE", "car"),
		SessionPath:   getenvDefault("SESSION_PATH", "schoolbus-session.db"),
		MQTTBrokerURL: getenvDefault("MQTT_BROKER_URL", ""),
		MQTTTopic:     getenvDefault("MQTT_TOPIC_TEMPLATE", "schoolbus/%s/location"),
		Token:         getenvDefault("SIM_AUTH_TOKEN", ""),
	}
	var err error
	if cfg.MaxRetries, err = envInt("HUB_MAX_RETRIES", 8); err != nil {
		return nil, err
	}
	if cfg.InitialBackoff, err = envDuration("HUB_INITIAL_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = envDuration("HUB_MAX_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Interval, err = envDuration("SIM_TICK", 2*time.Second); err != nil {
		return nil, err
	}
	speed, err := envInt("SIM_SPEED_KMH", 30)
	if err != nil {
		return nil, err
	}
	cfg.SpeedKmh = float64(speed)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	return cfg, nil
}
