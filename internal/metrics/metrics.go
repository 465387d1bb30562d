// Package metrics optionally exposes run counters over Prometheus
// (--metrics-addr): a promhttp handler on a dedicated *http.Server,
// fed by an Output decorator that forwards every event unchanged.
package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LINBIT/fastfstests/pkg/runner"
)

// Recorder owns a private Prometheus registry so this package never
// pollutes the default global registry other imports might also use.
type Recorder struct {
	registry *prometheus.Registry

	testsTotal       *prometheus.CounterVec
	testDuration     prometheus.Histogram
	retriesTotal     prometheus.Counter
	supervisorDeaths prometheus.Counter
	supervisorSpawns *prometheus.CounterVec
}

// NewRecorder builds a Recorder with every counter registered.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.testsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fastfstests_tests_total",
		Help: "Finished tests by status.",
	}, []string{"status"})

	r.testDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fastfstests_test_duration_seconds",
		Help:    "Per-test wall clock duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // ~0.1s..800s
	})

	r.retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fastfstests_retries_total",
		Help: "Tests re-queued after a supervisor died mid-test.",
	})

	r.supervisorDeaths = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fastfstests_supervisor_deaths_total",
		Help: "Supervisor deaths detected by the probe loop or a lost command channel.",
	})

	r.supervisorSpawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fastfstests_supervisor_spawns_total",
		Help: "Supervisor spawn/respawn/exit outcomes.",
	}, []string{"scope", "result"})

	r.registry.MustRegister(
		r.testsTotal,
		r.testDuration,
		r.retriesTotal,
		r.supervisorDeaths,
		r.supervisorSpawns,
	)
	return r
}

// Serve builds an HTTP server exposing /metrics on addr: a dedicated
// mux and *http.Server rather than mounting onto any other listener.
func (r *Recorder) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Output wraps an inner runner.Output, recording Prometheus counters on
// every event while forwarding every call unchanged. Every other
// package keeps depending only on the abstract runner.Output contract;
// only internal/cli composes this wrapper in.
type Output struct {
	Inner    runner.Output
	Recorder *Recorder
}

var _ runner.Output = (*Output)(nil)

func (o *Output) BeginSpawningSupervisor(s runner.Supervisor) { o.Inner.BeginSpawningSupervisor(s) }

func (o *Output) EndSpawningSupervisor(s runner.Supervisor, err error) {
	o.Recorder.supervisorSpawns.WithLabelValues("spawn", outcome(err)).Inc()
	o.Inner.EndSpawningSupervisor(s, err)
}

func (o *Output) BeginRespawningSupervisor(s runner.Supervisor) {
	o.Inner.BeginRespawningSupervisor(s)
}

func (o *Output) EndRespawningSupervisor(s runner.Supervisor, err error) {
	o.Recorder.supervisorSpawns.WithLabelValues("respawn", outcome(err)).Inc()
	o.Inner.EndRespawningSupervisor(s, err)
}

func (o *Output) BeginExitingSupervisor(s runner.Supervisor) { o.Inner.BeginExitingSupervisor(s) }

func (o *Output) EndExitingSupervisor(s runner.Supervisor, err error) {
	o.Recorder.supervisorSpawns.WithLabelValues("exit", outcome(err)).Inc()
	o.Inner.EndExitingSupervisor(s, err)
}

func (o *Output) SupervisorDied(s runner.Supervisor, testName string) {
	o.Recorder.supervisorDeaths.Inc()
	o.Inner.SupervisorDied(s, testName)
}

func (o *Output) BeginRunningTests(total int) { o.Inner.BeginRunningTests(total) }
func (o *Output) EndRunningTests()            { o.Inner.EndRunningTests() }

func (o *Output) BeginRunningTest(test *runner.Test) (stdout, stderr io.Writer) {
	return o.Inner.BeginRunningTest(test)
}
func (o *Output) EndRunningTest(test *runner.Test) { o.Inner.EndRunningTest(test) }

func (o *Output) FinishedTest(test *runner.Test, result runner.TestResult) {
	o.Recorder.testsTotal.WithLabelValues(string(result.Status)).Inc()
	o.Recorder.testDuration.Observe(result.Duration.Seconds())
	o.Inner.FinishedTest(test, result)
}

func (o *Output) RecordRetry(test *runner.Test, result runner.TestResult) {
	o.Recorder.retriesTotal.Inc()
	o.Inner.RecordRetry(test, result)
}

func (o *Output) BeginLogBpftrace(test *runner.Test) (stdout, stderr io.Writer) {
	return o.Inner.BeginLogBpftrace(test)
}
func (o *Output) EndLogBpftrace(test *runner.Test) { o.Inner.EndLogBpftrace(test) }

func (o *Output) BeginLogDmesg(test *runner.Test) io.Writer { return o.Inner.BeginLogDmesg(test) }
func (o *Output) EndLogDmesg(test *runner.Test)             { o.Inner.EndLogDmesg(test) }

func (o *Output) GetArtifactPath(test *runner.Test) string { return o.Inner.GetArtifactPath(test) }

func (o *Output) PrintSummary()            { o.Inner.PrintSummary() }
func (o *Output) PrintException(err error) { o.Inner.PrintException(err) }

func (o *Output) BeginKeepingAlive() { o.Inner.BeginKeepingAlive() }
func (o *Output) EndKeepingAlive()   { o.Inner.EndKeepingAlive() }

func (o *Output) SaveRecording(label string) error { return o.Inner.SaveRecording(label) }

// Shutdown is a convenience used by internal/cli to tear the metrics
// server down alongside the run, wrapping any error srv.Shutdown
// returns.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
