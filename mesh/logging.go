package mesh

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kwv/driftmesh/cpd"
)

// NewLogger builds a logger writing to out (stderr when nil). format is
// "text" (default) or "json".
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	lvl := logrus.InfoLevel
	if level != "" {
		var err error
		if lvl, err = logrus.ParseLevel(level); err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// LogObserver logs every EM iteration at debug level.
func LogObserver(log logrus.FieldLogger, jobID string) cpd.Observer {
	return cpd.ObserverFunc(func(s cpd.IterationStats) {
		entry := log.WithFields(logrus.Fields{
			"job":       jobID,
			"iteration": s.Iteration,
			"variance":  s.Variance,
			"delta":     s.Delta,
		})
		if s.Degenerate {
			entry.Warn("registration iteration degenerate")
			return
		}
		entry.Debug("registration iteration")
	})
}
