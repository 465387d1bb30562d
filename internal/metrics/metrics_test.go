package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LINBIT/fastfstests/pkg/runner"
)

type recordingOutput struct {
	finished []runner.TestResult
}

func (o *recordingOutput) BeginSpawningSupervisor(s runner.Supervisor)            {}
func (o *recordingOutput) EndSpawningSupervisor(s runner.Supervisor, err error)   {}
func (o *recordingOutput) BeginRespawningSupervisor(s runner.Supervisor)          {}
func (o *recordingOutput) EndRespawningSupervisor(s runner.Supervisor, err error) {}
func (o *recordingOutput) BeginExitingSupervisor(s runner.Supervisor)             {}
func (o *recordingOutput) EndExitingSupervisor(s runner.Supervisor, err error)    {}
func (o *recordingOutput) SupervisorDied(s runner.Supervisor, testName string)    {}
func (o *recordingOutput) BeginRunningTests(total int)                           {}
func (o *recordingOutput) EndRunningTests()                                      {}
func (o *recordingOutput) BeginRunningTest(test *runner.Test) (io.Writer, io.Writer) {
	return io.Discard, io.Discard
}
func (o *recordingOutput) EndRunningTest(test *runner.Test) {}
func (o *recordingOutput) FinishedTest(test *runner.Test, result runner.TestResult) {
	o.finished = append(o.finished, result)
}
func (o *recordingOutput) RecordRetry(test *runner.Test, result runner.TestResult) {}
func (o *recordingOutput) BeginLogBpftrace(test *runner.Test) (io.Writer, io.Writer) {
	return io.Discard, io.Discard
}
func (o *recordingOutput) EndLogBpftrace(test *runner.Test)          {}
func (o *recordingOutput) BeginLogDmesg(test *runner.Test) io.Writer { return io.Discard }
func (o *recordingOutput) EndLogDmesg(test *runner.Test)             {}
func (o *recordingOutput) GetArtifactPath(test *runner.Test) string  { return "" }
func (o *recordingOutput) PrintSummary()                            {}
func (o *recordingOutput) PrintException(err error)                 {}
func (o *recordingOutput) BeginKeepingAlive()                       {}
func (o *recordingOutput) EndKeepingAlive()                         {}
func (o *recordingOutput) SaveRecording(label string) error         { return nil }

// fakeSupervisor is the minimal runner.Supervisor stand-in these tests
// need: Output never calls anything on it besides String().
type fakeSupervisor struct{}

func (fakeSupervisor) Acquire(ctx context.Context) error { return nil }
func (fakeSupervisor) Release(ctx context.Context) error { return nil }
func (fakeSupervisor) RunTest(ctx context.Context, test *runner.Test, timeout int, stdout, stderr io.Writer) (runner.TestResult, error) {
	return runner.TestResult{}, nil
}
func (fakeSupervisor) Probe(ctx context.Context) bool { return true }
func (fakeSupervisor) Trace(ctx context.Context, command string, stdout, stderr io.Writer) (runner.TraceHandle, error) {
	return runner.NoopTrace, nil
}
func (fakeSupervisor) CollectArtifacts(ctx context.Context, test *runner.Test, destDir string) error {
	return nil
}
func (fakeSupervisor) Exited() bool   { return false }
func (fakeSupervisor) String() string { return "fake" }

func TestOutputForwardsAndRecordsFinishedTest(t *testing.T) {
	inner := &recordingOutput{}
	out := &Output{Inner: inner, Recorder: NewRecorder()}

	test := runner.NewTest("generic/001", "./check generic/001", nil)
	result := runner.TestResult{Name: test.Name, Status: runner.StatusPass, Duration: 2 * time.Second}
	out.FinishedTest(test, result)

	if len(inner.finished) != 1 {
		t.Fatalf("expected the wrapped Output to receive FinishedTest, got %d calls", len(inner.finished))
	}
	if got := testutil.ToFloat64(out.Recorder.testsTotal.WithLabelValues(string(runner.StatusPass))); got != 1 {
		t.Fatalf("got %v fastfstests_tests_total{status=PASS}, want 1", got)
	}

	srv := httptest.NewServer(out.Recorder.Serve("").Handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "fastfstests_tests_total") {
		t.Fatalf("expected fastfstests_tests_total in exposition, got:\n%s", body)
	}
}

func TestRecorderCountsSpawnAndDeathOutcomes(t *testing.T) {
	r := NewRecorder()
	out := &Output{Inner: &recordingOutput{}, Recorder: r}

	s := fakeSupervisor{}
	out.EndSpawningSupervisor(s, nil)
	out.EndRespawningSupervisor(s, nil)
	out.EndExitingSupervisor(s, nil)
	out.SupervisorDied(s, "generic/001")
	out.RecordRetry(runner.NewTest("generic/001", "check", nil), runner.TestResult{})

	if got := testutil.ToFloat64(r.supervisorSpawns.WithLabelValues("spawn", "ok")); got != 1 {
		t.Fatalf("got %v spawn/ok events, want 1", got)
	}
	if got := testutil.ToFloat64(r.supervisorDeaths); got != 1 {
		t.Fatalf("got %v supervisor deaths, want 1", got)
	}
	if got := testutil.ToFloat64(r.retriesTotal); got != 1 {
		t.Fatalf("got %v retries, want 1", got)
	}
}
