// Package supervisor implements the Scheduler / Supervisor (C9): it wires
// every other component together, runs the startup and shutdown sequences
// from spec.md §4.9, and owns the one helper loop (adaptive control plus
// stats aggregation and the stats log line) and the optional metrics
// server that the fetch/dispatch/collector loops don't own themselves.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// OpenLogFile creates logs/<task>_<YYYYMMDD_HH_MM_SS>.log (spec.md §6) and
// returns a zerolog.Logger writing to it, one JSON event per line. The
// file handle is returned separately so the Supervisor can close it on
// shutdown.
func OpenLogFile(task string, now time.Time) (zerolog.Logger, *os.File, error) {
	dir := "logs"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("supervisor: create log dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", task, now.Format("20060102_15_04_05"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("supervisor: open log file %s: %w", path, err)
	}

	log := zerolog.New(f).With().Timestamp().Str("task", task).Logger()
	return log, f, nil
}
