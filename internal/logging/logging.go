// Package logging builds the logrus loggers used across stalker-bridge.
//
//	log := logging.NewWithOutput("portal", os.Stdout, "json", "info")
//	log.WithField("endpoint", ep).Info("handshake ok")
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewWithOutput returns a logger tagged with component writing to w. format
// is "json" (default) or "text"; level defaults to info.
func NewWithOutput(component string, w io.Writer, format, level string) *logrus.Entry {
	log := logrus.New()
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
	log.SetOutput(w)
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil || level == "" {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log.WithField("component", component)
}

// Discard returns a logger that drops everything. Handy for tests.
func Discard() *logrus.Entry {
	return NewWithOutput("test", io.Discard, "text", "panic")
}
