package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/config"
	"github.com/ukydev/schoolbus-dispatch/internal/logging"
)

func main() {
	trips := flag.String("trips", os.Getenv("SIM_TRIPS"), "comma separated trip ids to drive")
	start := flag.Bool("start", true, "start each trip before driving it")
	complete := flag.Bool("complete", true, "complete each trip on arrival")
	flag.Parse()

	logging.Setup(getenv("LOG_LEVEL", "info"), getenv("LOG_FORMAT", "text"))

	cfg, err := config.LoadClient()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	tripIDs := splitIDs(*trips)
	if len(tripIDs) == 0 {
		log.Fatal("No trips to simulate, pass -trips or set SIM_TRIPS")
	}
	if cfg.Token == "" {
		log.Warn("SIM_AUTH_TOKEN is empty, API calls will be rejected")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := newAPIClient(cfg.APIURL, cfg.Token)
	var pub publisher = &httpPublisher{api: api}
	if cfg.MQTTBrokerURL != "" {
		mp, err := newMQTTPublisher(cfg.MQTTBrokerURL, fmt.Sprintf("schoolbus-sim-%d", os.Getpid()), cfg.MQTTTopic)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MQTT broker")
		}
		pub = mp
	}
	defer pub.Close()

	log.WithFields(log.Fields{
		"trips":    len(tripIDs),
		"api_url":  cfg.APIURL,
		"interval": cfg.Interval,
		"speed":    cfg.SpeedKmh,
		"mqtt":     cfg.MQTTBrokerURL != "",
	}).Info("Starting bus simulation")

	sim := &simulator{api: api, pub: pub, interval: cfg.Interval, speedKmh: cfg.SpeedKmh, start: *start, complete: *complete}
	var wg sync.WaitGroup
	for _, id := range tripIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := sim.drive(ctx, id); err != nil {
				log.WithField("trip_id", id).WithError(err).Error("Trip simulation failed")
			}
		}(id)
	}
	wg.Wait()
	log.Info("Bus simulation finished")
}

type simulator struct {
	api      *apiClient
	pub      publisher
	interval time.Duration
	speedKmh float64
	start    bool
	complete bool
	now      func() time.Time
}

// drive runs one trip from its first stop to its last, publishing a sample
// every interval.
func (s *simulator) drive(ctx context.Context, tripID string) error {
	trip, err := s.api.Trip(ctx, tripID)
	if err != nil {
		return err
	}
	geom, err := s.api.Route(ctx, tripID)
	if err != nil {
		return err
	}
	if len(geom.Path) < 2 {
		return fmt.Errorf("route of trip %s has no path", tripID)
	}
	if s.start {
		if err := s.api.Start(ctx, tripID); err != nil {
			return err
		}
	}

	logger := log.WithFields(log.Fields{"trip_id": tripID, "bus_id": trip.BusID})
	logger.WithField("points", len(geom.Path)).Info("Driving route")

	bus := newBusState(tripID, trip.BusID, geom.Path, s.speedKmh)
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		if err := s.pub.Publish(ctx, bus.Sample(s.clock())); err != nil {
			logger.WithError(err).Warn("Failed to publish location")
		}
		if bus.Arrived() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		bus.Step(s.interval.Seconds())
	}

	logger.Info("Bus arrived at last stop")
	if s.complete {
		return s.api.Complete(ctx, tripID)
	}
	return nil
}

func (s *simulator) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
