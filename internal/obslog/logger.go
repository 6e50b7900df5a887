// Package obslog provides the structured logging setup shared by every
// chiselcore subsystem. It wraps logrus with the output-stream splitting
// and field conventions the rest of the codebase relies on.
package obslog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// Level names accepted by Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config configures a component logger.
type Config struct {
	Level     string // debug|info|warn|error, defaults to info
	JSON      bool   // structured JSON output instead of text
	Component string // value attached to every entry as "component"
}

// outputSplitter routes error-level entries to stderr and everything else
// to stdout, so container log collectors can treat the two streams
// differently without parsing each line.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logrus.Entry scoped to one component, pre-populated with a
// "component" field so log lines from typesys, migrate, trunk, etc. can be
// told apart without grepping for package names in the message text.
func New(cfg Config) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(outputSplitter{})
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetLevel(parseLevel(cfg.Level))

	entry := logrus.NewEntry(l)
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return entry
}

func parseLevel(level string) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelInfo, "":
		return logrus.InfoLevel
	default:
		if lvl, err := logrus.ParseLevel(level); err == nil {
			return lvl
		}
		return logrus.InfoLevel
	}
}
