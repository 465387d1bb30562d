package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// errQueueDrained is the serving task's way of ending the worker scope
// once the queue is empty; it cancels the sibling probe task and is
// never surfaced past serve.
var errQueueDrained = errors.New("runner: queue drained")

// runWorker drives one Supervisor through Serving -> Recovering ->
// Serving (...) -> Exiting. The Supervisor is already acquired when this
// is called; it is released on every terminal path except keep-alive.
func (r *TestRunner) runWorker(ctx context.Context, supervisor Supervisor) {
	for {
		died, inFlight := r.serve(ctx, supervisor)
		if ctx.Err() != nil {
			// Operator cancellation: tear down and let Run print the
			// summary. Nothing is requeued; a cancelled run is not a
			// supervisor crash.
			r.exitSupervisor(supervisor)
			return
		}
		if !died {
			r.exitSupervisor(supervisor)
			return
		}
		r.Output.SupervisorDied(supervisor, testName(inFlight))
		if !r.recoverWorker(ctx, supervisor, inFlight) {
			return
		}
	}
}

func testName(t *Test) string {
	if t == nil {
		return ""
	}
	return t.Name
}

// serve runs the Serving state: a loop popping Tests off the shared
// queue and executing them, racing against an optional probe task. It
// returns died=true (with the in-flight Test, if any) when the probe
// declares the Supervisor dead or RunTest itself reports the channel
// gone, and died=false when the queue empties out normally. The
// in-flight cell is written before each test and cleared only after a
// successful run, so a test killed mid-run is never lost.
func (r *TestRunner) serve(ctx context.Context, supervisor Supervisor) (died bool, inFlight *Test) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var current *Test
	setCurrent := func(t *Test) {
		mu.Lock()
		current = t
		mu.Unlock()
	}

	g.Go(func() error {
		for {
			test := r.popTest()
			if test == nil {
				return errQueueDrained
			}
			setCurrent(test)
			if err := r.runOneTest(gctx, supervisor, test); err != nil {
				return err
			}
			setCurrent(nil)
		}
	})

	if r.ProbeInterval > 0 {
		g.Go(func() error {
			return r.probeLoop(gctx, supervisor)
		})
	}

	err := g.Wait()
	if err == nil || errors.Is(err, errQueueDrained) || ctx.Err() != nil {
		return false, nil
	}
	mu.Lock()
	defer mu.Unlock()
	return true, current
}

// probeLoop calls Supervisor.Probe every probe interval. A single false
// triggers up to two immediate retries with a short backoff; three
// consecutive failures declare the Supervisor dead, which cancels the
// sibling serving task's in-flight RunTest.
func (r *TestRunner) probeLoop(ctx context.Context, supervisor Supervisor) error {
	ticker := time.NewTicker(r.probePeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		fails := 0
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(r.probeBackoff()):
				}
			}
			if supervisor.Probe(ctx) {
				fails = 0
				break
			}
			fails++
		}
		if fails >= 3 {
			return ErrSupervisorExited
		}
	}
}

// recoverWorker runs the Recovering state: it records a retry event for
// the in-flight test (if any), bumps its death counter, and either
// requeues it with a fresh attempt id or finalizes it as an ERROR once
// its death count exceeds MaxSupervisorRestarts. A worker whose test hit
// the restart cap, or that has nothing left to serve, exits instead of
// respawning. The return value reports whether Serving should resume.
func (r *TestRunner) recoverWorker(ctx context.Context, supervisor Supervisor, inFlight *Test) bool {
	capHit := false
	if inFlight != nil {
		now := time.Now()
		died := NewErrorResult(inFlight.Name, "supervisor died", now.Sub(inFlight.attemptCreated), now)
		r.Output.RecordRetry(inFlight, died)

		deaths := r.bumpDeath(inFlight.Name)
		if deaths > r.MaxSupervisorRestarts {
			final := NewErrorResult(inFlight.Name, fmt.Sprintf("killed supervisor %d times", deaths), 0, now)
			r.Output.FinishedTest(inFlight, final)
			capHit = true
		} else {
			inFlight.Retry(now)
			r.pushTest(inFlight)
		}
	}

	if capHit || r.queueLen() == 0 {
		r.exitSupervisor(supervisor)
		return false
	}

	r.Output.BeginRespawningSupervisor(supervisor)
	_ = supervisor.Release(context.Background())

	acquireCtx, cancel := context.WithTimeout(context.Background(), r.spawnTimeout())
	defer cancel()
	err := supervisor.Acquire(acquireCtx)
	r.Output.EndRespawningSupervisor(supervisor, err)

	return err == nil
}

// runOneTest wraps a single Supervisor.RunTest call with the
// output-capture, dmesg, and bpftrace scopes, unwinding them in reverse
// on every exit path. A non-nil return means the Supervisor's command
// channel is gone: the test produced no FinishedTest event and Serving
// treats the Supervisor as dead.
func (r *TestRunner) runOneTest(ctx context.Context, supervisor Supervisor, test *Test) error {
	stdout, stderr := r.Output.BeginRunningTest(test)
	defer r.Output.EndRunningTest(test)

	if r.Dmesg {
		dmesgOut := r.Output.BeginLogDmesg(test)
		defer r.Output.EndLogDmesg(test)
		if trace, err := supervisor.Trace(ctx, "dmesg -W", dmesgOut, dmesgOut); err == nil {
			defer trace.Stop(context.Background())
		}
	}

	if r.TraceCommand != "" {
		bpOut, bpErr := r.Output.BeginLogBpftrace(test)
		defer r.Output.EndLogBpftrace(test)
		if trace, err := supervisor.Trace(ctx, r.TraceCommand, bpOut, bpErr); err == nil {
			defer trace.Stop(context.Background())
		}
	}

	result, err := supervisor.RunTest(ctx, test, r.TestTimeout, stdout, stderr)
	if err != nil {
		return err
	}

	_ = supervisor.CollectArtifacts(ctx, test, r.Output.GetArtifactPath(test))

	r.Output.FinishedTest(test, result)
	return nil
}
