package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"segment-coordinator/internal/config"
)

// New builds a logger from LOG_LEVEL and LOG_FORMAT. Unknown levels fall back to info.
func New(cfg config.Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}
