// Package logger provides the structured logger shared by every frontdesk component.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger tagged with the component that owns it.
type Logger struct {
	*logrus.Logger
	component string
}

// Config configures a Logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Defaults to info.
	Level string `yaml:"level" env:"FRONTDESK_LOG_LEVEL"`
	// Format is "json" or "text". Defaults to text.
	Format string `yaml:"format" env:"FRONTDESK_LOG_FORMAT"`
	// Output defaults to stderr.
	Output io.Writer `yaml:"-"`
}

// New creates a logger from config.
func New(component string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	return &Logger{Logger: l, component: component}
}

// NewDefault creates an info-level text logger.
func NewDefault(component string) *Logger {
	return New(component, Config{})
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return New("", Config{Output: io.Discard})
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// Named returns a logger sharing the same sink under another component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// WithField returns an entry carrying the component and one extra field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry carrying the component and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns an entry carrying the component and the error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

// Leveled calls go through entry() so they carry the component too; the
// embedded logrus methods would drop it.

func (l *Logger) Debug(args ...interface{}) { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry().Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry().Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }

func (l *Logger) entry() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}
