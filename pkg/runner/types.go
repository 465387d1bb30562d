// Package runner implements the parallel filesystem-test scheduler: it
// drives a pool of Supervisors (ephemeral VM handles) through a queue of
// Tests, recovers from VM crashes, and persists results to disk.
package runner

import (
	"fmt"
	"time"
)

// TestStatus is the verdict of a single test attempt.
type TestStatus string

const (
	StatusPass  TestStatus = "PASS"
	StatusFail  TestStatus = "FAIL"
	StatusSkip  TestStatus = "SKIP"
	StatusError TestStatus = "ERROR"
)

func (s TestStatus) String() string { return string(s) }

// TestResult is the immutable record emitted by a single test attempt.
//
// Retcode is populated whenever Status is StatusPass or StatusFail; it is
// nil for results built by NewErrorResult. A StatusSkip result may carry
// the retcode of the run that reported the skip.
type TestResult struct {
	Name      string
	Status    TestStatus
	Duration  time.Duration
	Timestamp time.Time
	Summary   string
	Retcode   *int
	Stdout    []byte
	Stderr    []byte
}

// NewErrorResult builds an ERROR TestResult with no retcode/stdout/stderr,
// the framework's way of saying "no verdict could be determined".
func NewErrorResult(name, summary string, duration time.Duration, timestamp time.Time) TestResult {
	return TestResult{
		Name:      name,
		Status:    StatusError,
		Duration:  duration,
		Timestamp: timestamp,
		Summary:   summary,
	}
}

// newAttemptID produces the on-disk attempt id: YYYY-MM-DD_HH-MM-SS_ffffff.
func newAttemptID(now time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02d_%02d-%02d-%02d_%06d",
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		now.Nanosecond()/1000)
}

// Test is a scheduling handle for one named test: a command string to run
// inside a Supervisor, glob patterns for artifacts to collect afterward,
// and an attempt id that Retry refreshes. Test is created once by the
// selection collaborator (internal/testselect) and is otherwise only
// mutated through Retry, by the TestRunner's crash recovery and by
// internal/cli's --retry-failures rounds.
type Test struct {
	Name           string
	Command        string
	ArtifactGlobs  []string
	attemptID      string
	attemptCreated time.Time
}

// NewTest constructs a Test with a freshly minted attempt id.
func NewTest(name, command string, artifactGlobs []string) *Test {
	t := &Test{
		Name:          name,
		Command:       command,
		ArtifactGlobs: artifactGlobs,
	}
	t.Retry(time.Now())
	return t
}

// AttemptID is the current attempt's on-disk identifier.
func (t *Test) AttemptID() string { return t.attemptID }

// Retry assigns a fresh attempt id, so a requeued attempt's persisted
// results never collide with the one that was in flight when a
// supervisor died.
func (t *Test) Retry(now time.Time) {
	t.attemptCreated = now
	t.attemptID = newAttemptID(now)
}

func (t *Test) String() string {
	return fmt.Sprintf("%s@%s", t.Name, t.attemptID)
}
