// Package profiling starts continuous profiling with Pyroscope.
package profiling

import (
	"github.com/grafana/pyroscope-go"
	log "github.com/sirupsen/logrus"
)

// Start begins profiling when serverAddress is set. A failure to start is
// logged and profiling stays off. The returned function stops the profiler.
func Start(serverAddress, appName string, tags map[string]string) func() {
	if serverAddress == "" {
		log.Debug("Pyroscope profiling is disabled")
		return func() {}
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          log.StandardLogger(),
		Tags:            tags,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to start Pyroscope profiler")
		return func() {}
	}

	log.WithFields(log.Fields{
		"server":      serverAddress,
		"application": appName,
	}).Info("Pyroscope profiling started")

	return func() {
		if err := profiler.Stop(); err != nil {
			log.WithError(err).Error("Error stopping Pyroscope profiler")
		}
	}
}
