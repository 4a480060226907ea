// ═══════════════════════════════════════════════════════════════════════════
// Structured logging
// ═══════════════════════════════════════════════════════════════════════════
//
// Wraps an injected *logrus.Logger (never the package-level global, so tests
// can supply a logrus.New() writing into a buffer) the way
// distribution-distribution's registry.go uses logrus: leveled calls plus
// one piece of behavior the original C++ driver hand-rolled with raw
// chrono::steady_clock calls around every pipeline stage — Stage now does
// that timing and logs it.
package reelslog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger with the one helper Mercury Reels' pipeline
// needs beyond plain leveled logging.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger at the given level, text-formatted the way
// distribution-distribution configures its own logrus instance at startup.
func New(level logrus.Level) *Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{Logger: l}
}

// Stage logs that a pipeline stage has started and returns a function that,
// when deferred, logs how long the stage took. Mirrors the reference
// driver's per-stage chrono::steady_clock::now() / duration_cast pairs.
func (l *Logger) Stage(name string) func() float64 {
	l.Infof("%s ...", name)
	start := time.Now()
	return func() float64 {
		elapsed := time.Since(start).Seconds()
		l.Infof("%s done (%.3fs)", name, elapsed)
		return elapsed
	}
}
