package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rck/errorlog"
)

// DefaultSpawnTimeout bounds a respawn's Acquire call when the caller
// does not override it via TestRunner.SpawnTimeout.
const DefaultSpawnTimeout = 30 * time.Second

// TestRunner is the scheduler: a worker-per-Supervisor pool draining a
// shared queue of Tests, with crash recovery driven by an optional probe
// loop. All exported fields are immutable for the lifetime of a Run call.
type TestRunner struct {
	Tests       []*Test
	Supervisors []Supervisor
	Output      Output

	KeepAlive             bool
	TestTimeout           int // seconds; 0 means unbounded
	ProbeInterval         int // seconds; 0 disables probing
	MaxSupervisorRestarts int // 0 disables restart
	Dmesg                 bool
	TraceCommand          string // "" disables bpftrace

	SpawnTimeout time.Duration // defaults to DefaultSpawnTimeout

	// test seams; when zero the ProbeInterval/1s defaults apply
	probeEvery   time.Duration
	probeRetryIn time.Duration

	mu      sync.Mutex
	pending []*Test
	deaths  map[string]int
}

// ErrSupervisorExited is the sentinel a worker's probe task raises to
// cancel an in-flight RunTest and move the worker into recovery.
var ErrSupervisorExited = errors.New("runner: supervisor exited")

// Run drains Tests across Supervisors until the queue is empty (or every
// worker has ended), then optionally parks for keep-alive, then prints
// the summary on every exit path including ctx cancellation.
func (r *TestRunner) Run(ctx context.Context) error {
	defer r.Output.PrintSummary()

	r.mu.Lock()
	r.pending = append([]*Test(nil), r.Tests...)
	r.deaths = make(map[string]int)
	r.mu.Unlock()

	r.Output.BeginRunningTests(len(r.Tests))
	defer r.Output.EndRunningTests()

	spawned, err := r.spawnAll(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i, s := range r.Supervisors {
		if !spawned[i] {
			continue
		}
		wg.Add(1)
		go func(s Supervisor) {
			defer wg.Done()
			r.runWorker(ctx, s)
		}(s)
	}
	wg.Wait()

	if r.KeepAlive && ctx.Err() == nil {
		r.Output.BeginKeepingAlive()
		<-ctx.Done()
		r.Output.EndKeepingAlive()
	}

	return nil
}

// spawnAll brings up every Supervisor concurrently. A Supervisor that
// fails to Acquire is logged and excluded; other workers proceed. If
// every Supervisor fails, the run surfaces a hard error instead.
func (r *TestRunner) spawnAll(ctx context.Context) ([]bool, error) {
	spawned := make([]bool, len(r.Supervisors))
	spawnErrs := errorlog.NewErrorLog()

	var wg sync.WaitGroup
	for i, s := range r.Supervisors {
		wg.Add(1)
		go func(i int, s Supervisor) {
			defer wg.Done()
			r.Output.BeginSpawningSupervisor(s)
			err := s.Acquire(ctx)
			r.Output.EndSpawningSupervisor(s, err)
			if err != nil {
				spawnErrs.Append(fmt.Errorf("spawn %s: %w", s, err))
				return
			}
			spawned[i] = true
		}(i, s)
	}
	wg.Wait()

	for _, ok := range spawned {
		if ok {
			return spawned, nil
		}
	}

	return spawned, fmt.Errorf("all supervisors failed to spawn: %w", joinErrs(spawnErrs))
}

func joinErrs(log *errorlog.ErrorLog) error {
	return errors.Join(log.Errs()...)
}

// exitSupervisor releases s unless keep-alive is set. Release gets a
// background context so teardown still happens after cancellation.
func (r *TestRunner) exitSupervisor(s Supervisor) {
	if r.KeepAlive {
		return
	}
	r.Output.BeginExitingSupervisor(s)
	err := s.Release(context.Background())
	r.Output.EndExitingSupervisor(s, err)
}

// popTest removes and returns the most recently appended Test, or nil
// when the queue is empty. Pop and append are each indivisible; no
// caller ever waits on an empty queue.
func (r *TestRunner) popTest() *Test {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending)
	if n == 0 {
		return nil
	}
	t := r.pending[n-1]
	r.pending = r.pending[:n-1]
	return t
}

// pushTest appends t at the pop end, so a crash-recovered Test is the
// next thing any idle worker picks up.
func (r *TestRunner) pushTest(t *Test) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, t)
}

func (r *TestRunner) queueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// bumpDeath increments and returns the per-test-name death counter.
func (r *TestRunner) bumpDeath(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deaths[name]++
	return r.deaths[name]
}

func (r *TestRunner) spawnTimeout() time.Duration {
	if r.SpawnTimeout > 0 {
		return r.SpawnTimeout
	}
	return DefaultSpawnTimeout
}

func (r *TestRunner) probePeriod() time.Duration {
	if r.probeEvery > 0 {
		return r.probeEvery
	}
	return time.Duration(r.ProbeInterval) * time.Second
}

func (r *TestRunner) probeBackoff() time.Duration {
	if r.probeRetryIn > 0 {
		return r.probeRetryIn
	}
	return time.Second
}
