// Package logging configures the run's structured logging. Entries
// carry the runner's own identifying fields (supervisor, test, attempt),
// ordered so those lead every line, and each test attempt gets its own
// logger that mirrors into the main log.
package logging

import (
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Field keys the runner and its Output attach to entries.
const (
	FieldSupervisor = "supervisor"
	FieldTest       = "test"
	FieldAttempt    = "attempt"
)

// Init configures the standard logger for the whole run. verbose raises
// the level to Debug, which also lets per-attempt Debug lines through
// the mirror hook.
func Init(verbose bool) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		SortingFunc:     sortFields,
	})
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
}

// sortFields orders entry keys: timestamp and level first, then the
// supervisor/test/attempt triple in lifecycle order, then everything
// else lexically.
func sortFields(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := fieldRank(keys[i]), fieldRank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
}

func fieldRank(key string) int {
	switch key {
	case log.FieldKeyTime:
		return 0
	case log.FieldKeyLevel:
		return 1
	case FieldSupervisor:
		return 2
	case FieldTest:
		return 3
	case FieldAttempt:
		return 4
	default:
		return 5
	}
}

// TestLogger builds the logger for one test attempt. Entries go to out
// (the attempt directory's log file, undecorated) and are mirrored into
// the main log tagged with the test name and attempt id.
func TestLogger(testName, attemptID string, out io.Writer) *log.Logger {
	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(log.DebugLevel)
	logger.SetFormatter(&log.TextFormatter{
		DisableQuote:    true,
		TimestampFormat: "15:04:05.000",
	})
	logger.AddHook(&mirrorHook{fields: log.Fields{
		FieldTest:    testName,
		FieldAttempt: attemptID,
	}})
	return logger
}

// mirrorHook re-logs every entry of a per-attempt logger through the
// standard logger, adding the attempt's identifying fields, so the main
// log interleaves all attempts while each attempt file stays clean.
type mirrorHook struct {
	fields log.Fields
}

func (h *mirrorHook) Levels() []log.Level { return log.AllLevels }

func (h *mirrorHook) Fire(entry *log.Entry) error {
	std := log.StandardLogger()
	if !std.IsLevelEnabled(entry.Level) {
		return nil
	}
	std.WithFields(h.fields).WithFields(entry.Data).Log(entry.Level, entry.Message)
	return nil
}
