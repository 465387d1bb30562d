package runner

import (
	"testing"
	"time"
)

func TestNewTestGeneratesAttemptID(t *testing.T) {
	test := NewTest("generic/001", "true", nil)
	if test.AttemptID() == "" {
		t.Fatalf("expected a non-empty attempt id")
	}
	if test.String() == "" {
		t.Fatalf("expected a non-empty String()")
	}
}

func TestRetryRefreshesAttemptID(t *testing.T) {
	test := NewTest("generic/001", "true", nil)
	first := test.AttemptID()

	test.Retry(time.Now().Add(time.Second))
	if test.AttemptID() == first {
		t.Fatalf("Retry did not refresh the attempt id")
	}
}

func TestNewErrorResult(t *testing.T) {
	now := time.Now()
	result := NewErrorResult("generic/001", "boom", 3*time.Second, now)
	if result.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", result.Status)
	}
	if result.Summary != "boom" {
		t.Fatalf("summary = %q", result.Summary)
	}
	if result.Duration != 3*time.Second {
		t.Fatalf("duration = %v", result.Duration)
	}
}
