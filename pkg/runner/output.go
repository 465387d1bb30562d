package runner

import "io"

// Output is the sole observer of TestRunner lifecycle events. The
// runner only calls it; Output never calls back into the TestRunner.
// All methods MUST be safe to call concurrently from every worker.
//
// Scoped events follow a begin/end shape: the Begin* method returns a
// handle (or, where no extra data is needed, nothing) and the matching
// End method is always called on every exit path, including cancellation.
type Output interface {
	// BeginSpawningSupervisor/EndSpawningSupervisor bracket Supervisor.Acquire
	// for an initial spawn.
	BeginSpawningSupervisor(s Supervisor)
	EndSpawningSupervisor(s Supervisor, err error)

	// BeginRespawningSupervisor/EndRespawningSupervisor bracket the
	// Release+Acquire pair performed during crash recovery.
	BeginRespawningSupervisor(s Supervisor)
	EndRespawningSupervisor(s Supervisor, err error)

	// BeginExitingSupervisor/EndExitingSupervisor bracket a final Release.
	BeginExitingSupervisor(s Supervisor)
	EndExitingSupervisor(s Supervisor, err error)

	// SupervisorDied is a terminal, non-scoped event raised when a worker
	// declares its Supervisor dead, either because the probe loop failed
	// or because RunTest lost the command channel. testName is empty when
	// the supervisor died between tests.
	SupervisorDied(s Supervisor, testName string)

	// BeginRunningTests/EndRunningTests bracket the whole test phase and
	// compute total wall clock.
	BeginRunningTests(total int)
	EndRunningTests()

	// BeginRunningTest yields the stdout/stderr sinks the test's output is
	// written to; EndRunningTest closes them.
	BeginRunningTest(test *Test) (stdout, stderr io.Writer)
	EndRunningTest(test *Test)

	// FinishedTest is the final per-test event: it persists retcode,
	// duration, and status, and (re)points latest/<name> at this attempt.
	FinishedTest(test *Test, result TestResult)

	// RecordRetry is a non-final attempt event emitted when a supervisor
	// died mid-test; it increments the visible retry counter for test.Name
	// and persists result for durability. It always precedes the eventual
	// FinishedTest for the same test name.
	RecordRetry(test *Test, result TestResult)

	// BeginLogBpftrace/EndLogBpftrace and BeginLogDmesg/EndLogDmesg yield
	// sinks for the optional per-test trace scopes.
	BeginLogBpftrace(test *Test) (stdout, stderr io.Writer)
	EndLogBpftrace(test *Test)
	BeginLogDmesg(test *Test) (out io.Writer)
	EndLogDmesg(test *Test)

	// GetArtifactPath returns (creating if needed) the per-attempt
	// artifacts directory for test.
	GetArtifactPath(test *Test) string

	// PrintSummary renders the end-of-run summary; always called, even on
	// cancellation.
	PrintSummary()

	// PrintException renders an unexpected, non-recoverable error.
	PrintException(err error)

	// BeginKeepingAlive/EndKeepingAlive bracket the keep-alive parked state.
	BeginKeepingAlive()
	EndKeepingAlive()

	// SaveRecording snapshots the latest/ tree into recordings/<label>/.
	SaveRecording(label string) error
}
