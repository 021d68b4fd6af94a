// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup sets the level and formatter of the standard logrus logger.
// Unknown levels fall back to info.
func Setup(level, format string) {
	log.SetOutput(os.Stdout)

	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if err != nil && level != "" {
		log.WithField("level", level).Warn("Unknown log level, using info")
	}
}
