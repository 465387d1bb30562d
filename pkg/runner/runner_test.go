package runner

import (
	"context"
	"testing"
	"time"
)

func TestRunExhaustsQueueWithNoDuplicates(t *testing.T) {
	tests := makeTests("a", "b", "c", "d", "e")
	s1 := &fakeSupervisor{name: "s1", testDelay: 5 * time.Millisecond}
	s2 := &fakeSupervisor{name: "s2", testDelay: 5 * time.Millisecond}
	out := newFakeOutput()

	r := &TestRunner{Tests: tests, Supervisors: []Supervisor{s1, s2}, Output: out}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, _, _ := out.snapshot()
	if len(finished) != len(tests) {
		t.Fatalf("got %d finished results, want %d", len(finished), len(tests))
	}
	seen := map[string]bool{}
	for _, r := range finished {
		if seen[r.Name] {
			t.Fatalf("test %s finished more than once", r.Name)
		}
		seen[r.Name] = true
		if r.Status != StatusPass {
			t.Fatalf("test %s: status %s, want PASS", r.Name, r.Status)
		}
	}
}

func TestRunDistributesAcrossSupervisors(t *testing.T) {
	tests := makeTests("a", "b", "c", "d")
	s1 := &fakeSupervisor{name: "s1", testDelay: 20 * time.Millisecond}
	s2 := &fakeSupervisor{name: "s2", testDelay: 20 * time.Millisecond}
	out := newFakeOutput()

	r := &TestRunner{Tests: tests, Supervisors: []Supervisor{s1, s2}, Output: out}
	start := time.Now()
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if s1.runs() == 0 || s2.runs() == 0 {
		t.Fatalf("expected both supervisors to run tests, got s1=%d s2=%d", s1.runs(), s2.runs())
	}
	if s1.runs()+s2.runs() != len(tests) {
		t.Fatalf("run count mismatch: s1=%d s2=%d want total %d", s1.runs(), s2.runs(), len(tests))
	}
	// 4 tests over 2 concurrent workers at 20ms each should finish well
	// under the fully-serial 80ms.
	if elapsed > 70*time.Millisecond {
		t.Fatalf("took %v, tests do not appear to have run concurrently", elapsed)
	}
}

func TestRunEmptySelectionExitsCleanly(t *testing.T) {
	s := &fakeSupervisor{name: "s1"}
	out := newFakeOutput()

	r := &TestRunner{Tests: nil, Supervisors: []Supervisor{s}, Output: out}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, _, _ := out.snapshot()
	if len(finished) != 0 {
		t.Fatalf("got %d finished results, want 0", len(finished))
	}
	if !s.Exited() {
		t.Fatalf("supervisor should be released after an empty run")
	}
	if out.summaryCount() != 1 {
		t.Fatalf("got %d summaries, want 1", out.summaryCount())
	}
}

func TestRunProbeNeverCalledWhenDisabled(t *testing.T) {
	tests := makeTests("a", "b")
	s := &fakeSupervisor{name: "s1", testDelay: 5 * time.Millisecond}
	out := newFakeOutput()

	r := &TestRunner{Tests: tests, Supervisors: []Supervisor{s}, Output: out, ProbeInterval: 0}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.probesSeen() != 0 {
		t.Fatalf("probe called %d times with probing disabled", s.probesSeen())
	}
}

func TestRunSingleTransientProbeFailureIsNotADeath(t *testing.T) {
	tests := makeTests("a", "b")
	s := &fakeSupervisor{
		name:      "s1",
		testDelay: 60 * time.Millisecond,
		probes:    []bool{false}, // one false, then true forever
	}
	out := newFakeOutput()

	r := &TestRunner{
		Tests:         tests,
		Supervisors:   []Supervisor{s},
		Output:        out,
		ProbeInterval: 1,
		probeEvery:    20 * time.Millisecond,
		probeRetryIn:  5 * time.Millisecond,
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, retries, died := out.snapshot()
	if len(died) != 0 {
		t.Fatalf("a single transient probe failure must not report a death, got %v", died)
	}
	if len(retries) != 0 {
		t.Fatalf("expected no retries, got %d", len(retries))
	}
	if len(finished) != len(tests) || s.enters() != 1 {
		t.Fatalf("expected %d finished on a single acquire, got %d finished, enters=%d",
			len(tests), len(finished), s.enters())
	}
}

func TestRunRetriesAfterTransientSupervisorDeathThenSucceeds(t *testing.T) {
	tests := makeTests("slow")
	s := &fakeSupervisor{
		name:      "s1",
		testDelay: 150 * time.Millisecond,
		probes:    []bool{false, false, false}, // dies once, then heals
	}
	out := newFakeOutput()

	r := &TestRunner{
		Tests:                 tests,
		Supervisors:           []Supervisor{s},
		Output:                out,
		ProbeInterval:         1,
		MaxSupervisorRestarts: 1,
		probeEvery:            20 * time.Millisecond,
		probeRetryIn:          5 * time.Millisecond,
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, retries, died := out.snapshot()
	if len(retries) != 1 {
		t.Fatalf("expected exactly one retry event, got %d", len(retries))
	}
	if len(died) != 1 || died[0] != "slow" {
		t.Fatalf("expected one death carrying the in-flight test name, got %v", died)
	}
	if len(finished) != 1 || finished[0].Status != StatusPass {
		t.Fatalf("expected exactly one PASS finished result, got %+v", finished)
	}
	if s.enters() < 2 {
		t.Fatalf("expected supervisor to be re-acquired after death, enters=%d", s.enters())
	}
}

func TestRunFinalizesErrorWhenRestartBudgetExceeded(t *testing.T) {
	tests := makeTests("doomed")
	s := &fakeSupervisor{
		name:      "s1",
		testDelay: 150 * time.Millisecond,
		probes:    make([]bool, 64), // never recovers: every probe is false
	}

	out := newFakeOutput()
	r := &TestRunner{
		Tests:                 tests,
		Supervisors:           []Supervisor{s},
		Output:                out,
		ProbeInterval:         1,
		MaxSupervisorRestarts: 1,
		probeEvery:            20 * time.Millisecond,
		probeRetryIn:          5 * time.Millisecond,
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, retries, _ := out.snapshot()
	if len(finished) != 1 {
		t.Fatalf("expected exactly one finished result, got %d", len(finished))
	}
	if finished[0].Status != StatusError {
		t.Fatalf("expected ERROR, got %s", finished[0].Status)
	}
	if len(retries) != 2 {
		t.Fatalf("expected exactly two retry events (one per death), got %d", len(retries))
	}
	if !s.Exited() {
		t.Fatalf("a worker whose test hit the restart cap must release its supervisor")
	}
}

func TestRunSurvivorPicksUpSlackWhenOneSupervisorDies(t *testing.T) {
	tests := makeTests("a", "b", "c", "d")
	dying := &fakeSupervisor{
		name:      "dying",
		testDelay: 100 * time.Millisecond,
		probes:    make([]bool, 64),
	}
	alive := &fakeSupervisor{name: "alive", testDelay: 20 * time.Millisecond}
	out := newFakeOutput()

	r := &TestRunner{
		Tests:                 tests,
		Supervisors:           []Supervisor{dying, alive},
		Output:                out,
		ProbeInterval:         1,
		MaxSupervisorRestarts: 0, // no retry budget: the in-flight test errors out
		probeEvery:            20 * time.Millisecond,
		probeRetryIn:          5 * time.Millisecond,
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, _, _ := out.snapshot()
	if len(finished) != len(tests) {
		t.Fatalf("got %d finished results, want %d", len(finished), len(tests))
	}
	seen := map[string]int{}
	for _, r := range finished {
		seen[r.Name]++
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if seen[name] != 1 {
			t.Fatalf("test %s finalized %d times, want exactly once", name, seen[name])
		}
	}
	if alive.runs() < len(tests)-1 {
		t.Fatalf("the surviving supervisor should have picked up the slack, ran %d", alive.runs())
	}
}

func TestRunSpawnFailureExcludesWorkerButOthersProceed(t *testing.T) {
	tests := makeTests("a", "b", "c")
	bad := &fakeSupervisor{name: "bad", acquireErr: context.DeadlineExceeded}
	good := &fakeSupervisor{name: "good", testDelay: 2 * time.Millisecond}
	out := newFakeOutput()

	r := &TestRunner{Tests: tests, Supervisors: []Supervisor{bad, good}, Output: out}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	finished, _, _ := out.snapshot()
	if len(finished) != len(tests) {
		t.Fatalf("got %d finished, want %d", len(finished), len(tests))
	}
	if bad.runs() != 0 {
		t.Fatalf("the failed-to-spawn supervisor must never run a test")
	}
	if good.runs() != len(tests) {
		t.Fatalf("the surviving supervisor should have picked up every test, got %d", good.runs())
	}
}

func TestRunAllSupervisorsFailSpawnIsHardError(t *testing.T) {
	tests := makeTests("a")
	s1 := &fakeSupervisor{name: "s1", acquireErr: context.DeadlineExceeded}
	s2 := &fakeSupervisor{name: "s2", acquireErr: context.DeadlineExceeded}
	out := newFakeOutput()

	r := &TestRunner{Tests: tests, Supervisors: []Supervisor{s1, s2}, Output: out}
	err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error when every supervisor fails to spawn")
	}

	finished, _, _ := out.snapshot()
	if len(finished) != 0 {
		t.Fatalf("expected no finished tests, got %d", len(finished))
	}
}

func TestRunCancellationUnwindsAndStillPrintsSummary(t *testing.T) {
	tests := makeTests("a", "b", "c")
	s := &fakeSupervisor{name: "s1", testDelay: time.Minute}
	out := newFakeOutput()

	ctx, cancel := context.WithCancel(context.Background())
	r := &TestRunner{Tests: tests, Supervisors: []Supervisor{s}, Output: out}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}

	if _, retries, _ := out.snapshot(); len(retries) != 0 {
		t.Fatalf("cancellation must not be treated as a supervisor crash, got %d retries", len(retries))
	}
	if !s.Exited() {
		t.Fatalf("supervisor should be released on cancellation")
	}
	if out.summaryCount() != 1 {
		t.Fatalf("summary must still be printed on cancellation, got %d", out.summaryCount())
	}
}
