package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout ArchiVision. Both
// *logrus.Logger and *logrus.Entry satisfy it.
type Logger interface {
	logrus.FieldLogger
	// Writer returns a pipe whose lines are logged at info level. The caller
	// must close it when done.
	Writer() *io.PipeWriter
}

// New creates a root logger writing to out with the given level and format.
// Supported formats are "text" and "json".
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return log, nil
}

// Discard returns a logger that drops everything. Intended for tests.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
