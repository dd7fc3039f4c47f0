package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

var (
	mu  sync.RWMutex
	log = newConsoleLogger(os.Stderr, false)
)

// Init configures the process-wide logger. The returned cleanup function
// flushes the non-blocking writer and must be called on shutdown.
func Init(debug bool) func() {
	// Ring-buffered writer so a slow terminal never stalls an agent turn.
	wr := diode.NewWriter(os.Stdout, 1000, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
	})

	mu.Lock()
	log = newConsoleLogger(wr, debug)
	mu.Unlock()

	return func() {
		wr.Close()
	}
}

func newConsoleLogger(w interface{ Write([]byte) (int, error) }, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]interface{}) {
	ev.Str("component", component).Fields(fields).Msg(msg)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Debug(), component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Info(), component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Warn(), component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	l := current()
	emit(l.Error(), component, msg, fields)
}
