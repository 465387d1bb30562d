package logging

import (
	"bytes"
	"io"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSortFieldsLeadsWithRunFields(t *testing.T) {
	keys := []string{"zebra", FieldAttempt, "apple", log.FieldKeyTime, FieldSupervisor, log.FieldKeyLevel}
	sortFields(keys)

	want := []string{log.FieldKeyTime, log.FieldKeyLevel, FieldSupervisor, FieldAttempt, "apple", "zebra"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys[%d] = %q, want %q (full order: %v)", i, keys[i], k, keys)
		}
	}
}

func TestTestLoggerMirrorsToStandardLoggerWithAttemptFields(t *testing.T) {
	var out bytes.Buffer
	std := &bytes.Buffer{}
	log.SetOutput(std)
	defer log.SetOutput(io.Discard)

	logger := TestLogger("generic/001", "2026-07-31_10-00-00_000000", &out)
	logger.Info("running test")

	if !strings.Contains(out.String(), "running test") {
		t.Fatalf("per-attempt log missing entry: %q", out.String())
	}
	if !strings.Contains(std.String(), "2026-07-31_10-00-00_000000") {
		t.Fatalf("main log missing attempt id field: %q", std.String())
	}
	if !strings.Contains(std.String(), "generic/001") {
		t.Fatalf("main log missing test field: %q", std.String())
	}
}

func TestTestLoggerDebugIsNotMirroredBelowVerbose(t *testing.T) {
	var out bytes.Buffer
	std := &bytes.Buffer{}
	log.SetOutput(std)
	log.SetLevel(log.InfoLevel)
	defer log.SetOutput(io.Discard)

	logger := TestLogger("generic/002", "2026-07-31_10-01-00_000000", &out)
	logger.Debug("poking machine")

	if !strings.Contains(out.String(), "poking machine") {
		t.Fatalf("per-attempt log must keep debug entries: %q", out.String())
	}
	if strings.Contains(std.String(), "poking machine") {
		t.Fatalf("main log at info level must not mirror debug entries: %q", std.String())
	}
}
