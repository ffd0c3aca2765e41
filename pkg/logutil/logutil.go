package logutil

import (
	"fmt"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

// Configure sets the process-wide log level and output format. Logs go to
// stderr so piped stdout stays clean.
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := parseLevel(levelRaw)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetTimeFormat(time.DateTime)
	log.SetReportTimestamp(true)
	return nil
}

func parseLevel(raw string) (log.Level, error) {
	switch strings.ToLower(raw) {
	case "trace":
		// no native trace enum; map to the most verbose mode
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", raw)
		}
		return level, nil
	}
}

// Component returns a logger tagged with the subsystem name.
func Component(name string) *log.Logger {
	return log.Default().With("component", name)
}
