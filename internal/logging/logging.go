package logging

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"offcache/internal/config"
)

// Init builds the process logger. JSON to stderr by default; when a log file
// is configured, output rotates through lumberjack instead.
func Init(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Logging.File != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   true,
		})
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, nil
}

// RateLimited suppresses repeats of a high-frequency warning, logging at most
// once per interval. Background cache-write failures route through this so a
// flaky origin cannot flood the log.
type RateLimited struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	log      logrus.FieldLogger
}

func NewRateLimited(log logrus.FieldLogger, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, interval: interval}
}

func (l *RateLimited) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	l.mu.Unlock()
	l.log.Warnf(format, args...)
}
