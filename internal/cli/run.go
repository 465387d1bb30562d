package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/nightlyone/lockfile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LINBIT/fastfstests/internal/config"
	"github.com/LINBIT/fastfstests/internal/logging"
	"github.com/LINBIT/fastfstests/internal/metrics"
	cliout "github.com/LINBIT/fastfstests/internal/output/cli"
	"github.com/LINBIT/fastfstests/internal/supervisors/mkosi"
	"github.com/LINBIT/fastfstests/internal/supervisors/sshvm"
	"github.com/LINBIT/fastfstests/internal/testselect"
	"github.com/LINBIT/fastfstests/pkg/runner"
)

// runFlags holds the flag destinations shared between the bare root
// command and the explicit "run" subcommand.
type runFlags struct {
	fstests        string
	groups         []string
	exclude        []string
	excludeFile    string
	excludeGroups  []string
	section        string
	excludeSection string
	randomize      bool
	iterate        int
	listOnly       bool
	fileSystem     string
	resultsDir     string

	mkosiNum     int
	mkosiConfig  string
	mkosiOptions []string
	mkosiFstests string
	mkosiTimeout int
	build        bool

	vms            []string
	vmPrivateKey   string
	keepAlive      bool
	testTimeout    int
	bpftrace       string
	bpftraceScript string
	probeInterval  int
	maxRestarts    int
	dmesg          bool
	verbose        bool

	record        string
	slowestFirst  string
	retryFailures int

	printFailureList  bool
	printNSlowest     int
	printDurationHist bool

	junitXML    bool
	metricsAddr string
}

// addRunFlags registers every "run" flag on cmd and returns the
// destinations. Plain Flags(), not PersistentFlags: run never needs to
// share flags with record/compare.
func addRunFlags(cmd *cobra.Command) *runFlags {
	rf := &runFlags{}
	f := cmd.Flags()

	f.StringVar(&rf.fstests, "fstests", "", "path to an fstests checkout (required)")
	f.StringSliceVarP(&rf.groups, "group", "g", nil, "group name(s) to run")
	f.StringSliceVarP(&rf.exclude, "exclude", "e", nil, "test name(s) to exclude")
	f.StringVarP(&rf.excludeFile, "exclude-file", "E", "", "file of test names to exclude")
	f.StringSliceVarP(&rf.excludeGroups, "exclude-group", "x", nil, "group name(s) to exclude")
	f.StringVarP(&rf.section, "section", "s", "", "fstests section to run")
	f.StringVarP(&rf.excludeSection, "exclude-section", "S", "", "fstests section to exclude")
	f.BoolVarP(&rf.randomize, "randomize", "r", false, "randomize test order instead of alphabetical")
	f.IntVarP(&rf.iterate, "iterate", "i", 1, "repeat each selected test N times")
	f.BoolVarP(&rf.listOnly, "list-only", "l", false, "print the selected tests and exit")
	f.StringVar(&rf.fileSystem, "file-system", "", "keep only tests naming this file system (or generic)")
	f.StringVar(&rf.resultsDir, "results-dir", "", "directory results are written under")

	f.IntVar(&rf.mkosiNum, "mkosi-num", 0, "number of mkosi-managed VMs to spawn")
	f.StringVar(&rf.mkosiConfig, "mkosi-config", "", "mkosi config directory")
	f.StringSliceVar(&rf.mkosiOptions, "mkosi-options", nil, "extra mkosi options")
	f.StringVar(&rf.mkosiFstests, "mkosi-fstests", "", "fstests checkout path inside the mkosi image")
	f.IntVar(&rf.mkosiTimeout, "mkosi-timeout", 0, "mkosi VM acquire timeout in seconds")
	f.BoolVarP(&rf.build, "build", "f", false, "build the mkosi image before running")

	f.StringSliceVar(&rf.vms, "vms", nil, "HOST:PATH,... already-running custom VM targets")
	f.StringVar(&rf.vmPrivateKey, "vm-private-key", "", "SSH private key for --vms targets")
	f.BoolVar(&rf.keepAlive, "keep-alive", false, "keep the VM pool up after the run finishes")
	f.IntVar(&rf.testTimeout, "test-timeout", 0, "per-test timeout in seconds (0 disables)")
	f.StringVar(&rf.bpftrace, "bpftrace", "", "bpftrace expression to trace during each test")
	f.StringVar(&rf.bpftraceScript, "bpftrace-script", "", "bpftrace script path to trace during each test")
	f.IntVar(&rf.probeInterval, "probe-interval", 0, "supervisor liveness probe interval in seconds (0 disables)")
	f.IntVar(&rf.maxRestarts, "max-supervisor-restarts", 0, "crash-recovery retry budget per test (0 disables restart)")
	f.BoolVar(&rf.dmesg, "dmesg", false, "capture dmesg -W during each test")
	f.BoolVarP(&rf.verbose, "verbose", "v", false, "raise log level to debug")

	f.StringVar(&rf.record, "record", "", "snapshot latest/ into recordings/LABEL after the run")
	f.StringVar(&rf.slowestFirst, "slowest-first", "", "order tests by duration from N | latest | LABEL")
	f.IntVar(&rf.retryFailures, "retry-failures", 0, "re-run only the tests that failed last time, up to N rounds")

	f.BoolVar(&rf.printFailureList, "print-failure-list", false, "print the list of failed tests in the summary")
	f.IntVar(&rf.printNSlowest, "print-n-slowest", 0, "print the N slowest tests in the summary")
	f.BoolVar(&rf.printDurationHist, "print-duration-hist", false, "print a duration histogram in the summary")

	f.BoolVar(&rf.junitXML, "junit-xml", false, "write a JUnit XML report per finished test")
	f.StringVar(&rf.metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")

	return rf
}

// runCommand is the explicit "fastfstests run" subcommand; it shares
// every flag and the runRun body with the bare root command.
func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [TEST...]",
		Short: "Run the selected tests against a pool of VMs",
	}
	rf := addRunFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, args, rf)
	}
	return cmd
}

// resolveConfig layers cmd's changed flags over the TOML file over
// Defaults(): CLI > TOML > defaults.
func resolveConfig(cmd *cobra.Command, rf *runFlags) (config.Config, error) {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return config.Config{}, err
	}

	config.ApplyStringFlag(cmd, "fstests", rf.fstests, &cfg.Fstests)
	config.ApplyStringSliceFlag(cmd, "group", rf.groups, &cfg.Groups)
	config.ApplyStringSliceFlag(cmd, "exclude", rf.exclude, &cfg.Exclude)
	config.ApplyStringFlag(cmd, "exclude-file", rf.excludeFile, &cfg.ExcludeFile)
	config.ApplyStringSliceFlag(cmd, "exclude-group", rf.excludeGroups, &cfg.ExcludeGroups)
	config.ApplyStringFlag(cmd, "section", rf.section, &cfg.Section)
	config.ApplyStringFlag(cmd, "exclude-section", rf.excludeSection, &cfg.ExcludeSection)
	config.ApplyBoolFlag(cmd, "randomize", rf.randomize, &cfg.Randomize)
	config.ApplyIntFlag(cmd, "iterate", rf.iterate, &cfg.Iterate)
	config.ApplyBoolFlag(cmd, "list-only", rf.listOnly, &cfg.ListOnly)
	config.ApplyStringFlag(cmd, "file-system", rf.fileSystem, &cfg.FileSystem)
	config.ApplyStringFlag(cmd, "results-dir", rf.resultsDir, &cfg.ResultsDir)

	config.ApplyIntFlag(cmd, "mkosi-num", rf.mkosiNum, &cfg.MkosiNum)
	config.ApplyStringFlag(cmd, "mkosi-config", rf.mkosiConfig, &cfg.MkosiConfig)
	config.ApplyStringSliceFlag(cmd, "mkosi-options", rf.mkosiOptions, &cfg.MkosiOptions)
	config.ApplyStringFlag(cmd, "mkosi-fstests", rf.mkosiFstests, &cfg.MkosiFstests)
	config.ApplyIntFlag(cmd, "mkosi-timeout", rf.mkosiTimeout, &cfg.MkosiTimeout)
	config.ApplyBoolFlag(cmd, "build", rf.build, &cfg.Build)

	config.ApplyStringSliceFlag(cmd, "vms", rf.vms, &cfg.VMs)
	config.ApplyStringFlag(cmd, "vm-private-key", rf.vmPrivateKey, &cfg.VMPrivateKey)
	config.ApplyBoolFlag(cmd, "keep-alive", rf.keepAlive, &cfg.KeepAlive)
	config.ApplyIntFlag(cmd, "test-timeout", rf.testTimeout, &cfg.TestTimeout)
	config.ApplyStringFlag(cmd, "bpftrace", rf.bpftrace, &cfg.Bpftrace)
	config.ApplyStringFlag(cmd, "bpftrace-script", rf.bpftraceScript, &cfg.BpftraceScript)
	config.ApplyIntFlag(cmd, "probe-interval", rf.probeInterval, &cfg.ProbeInterval)
	config.ApplyIntFlag(cmd, "max-supervisor-restarts", rf.maxRestarts, &cfg.MaxSupervisorRestarts)
	config.ApplyBoolFlag(cmd, "dmesg", rf.dmesg, &cfg.Dmesg)
	config.ApplyBoolFlag(cmd, "verbose", rf.verbose, &cfg.Verbose)

	config.ApplyStringFlag(cmd, "record", rf.record, &cfg.Record)
	config.ApplyStringFlag(cmd, "slowest-first", rf.slowestFirst, &cfg.SlowestFirst)
	config.ApplyIntFlag(cmd, "retry-failures", rf.retryFailures, &cfg.RetryFailures)

	config.ApplyBoolFlag(cmd, "print-failure-list", rf.printFailureList, &cfg.PrintFailureList)
	config.ApplyIntFlag(cmd, "print-n-slowest", rf.printNSlowest, &cfg.PrintNSlowest)
	config.ApplyBoolFlag(cmd, "print-duration-hist", rf.printDurationHist, &cfg.PrintDurationHist)

	config.ApplyBoolFlag(cmd, "junit-xml", rf.junitXML, &cfg.JUnitXML)
	config.ApplyStringFlag(cmd, "metrics-addr", rf.metricsAddr, &cfg.MetricsAddr)

	return cfg, nil
}

// validate rejects a configuration error before any VM is spawned or
// any test runs.
func validate(cfg config.Config) error {
	if cfg.Fstests == "" {
		return fmt.Errorf("config error: --fstests is required")
	}
	if cfg.ResultsDir == "" {
		return fmt.Errorf("config error: --results-dir is required")
	}
	if cfg.MkosiConfig == "" && len(cfg.VMs) == 0 {
		return fmt.Errorf("config error: at least one of --mkosi-config or --vms is required")
	}
	if cfg.Bpftrace != "" && cfg.BpftraceScript != "" {
		return fmt.Errorf("config error: --bpftrace and --bpftrace-script are mutually exclusive")
	}
	if cfg.SlowestFirst != "" && cfg.Randomize {
		return fmt.Errorf("config error: --slowest-first and --randomize are mutually exclusive")
	}
	return nil
}

func traceCommand(cfg config.Config) string {
	switch {
	case cfg.Bpftrace != "":
		return "bpftrace -e " + cfg.Bpftrace
	case cfg.BpftraceScript != "":
		return "bpftrace " + cfg.BpftraceScript
	default:
		return ""
	}
}

// applySlowestFirst reorders tests in place so the historically slowest
// test is popped first, seeded from a recording (--slowest-first
// {N | latest | LABEL}).
// N counts back from the most recent recording (1 is the latest one);
// "latest" reads the in-progress latest/ tree directly; anything else is
// a recording label. Tests with no recorded duration (new tests) sort to
// the front, so they are dispatched last rather than first.
func applySlowestFirst(cfg config.Config, tests []*runner.Test) ([]*runner.Test, error) {
	if cfg.SlowestFirst == "" {
		return tests, nil
	}

	layout := runner.NewLayout(cfg.ResultsDir)
	var dir string
	switch {
	case cfg.SlowestFirst == "latest":
		dir = filepath.Join(cfg.ResultsDir, "latest")
	default:
		if n, err := strconv.Atoi(cfg.SlowestFirst); err == nil {
			labels, err := runner.ListRecordings(cfg.ResultsDir)
			if err != nil {
				return nil, fmt.Errorf("config error: %w", err)
			}
			if n <= 0 || n > len(labels) {
				return nil, fmt.Errorf("config error: --slowest-first %d out of range (%d recording(s) available)", n, len(labels))
			}
			dir = layout.RecordingDir(labels[len(labels)-n])
		} else {
			dir = layout.RecordingDir(cfg.SlowestFirst)
		}
	}

	recorded, err := runner.LoadRecording(dir)
	if err != nil {
		return nil, fmt.Errorf("config error: load --slowest-first recording: %w", err)
	}

	sort.SliceStable(tests, func(i, j int) bool {
		di, oki := recorded[tests[i].Name]
		dj, okj := recorded[tests[j].Name]
		vi, vj := -1.0, -1.0
		if oki {
			vi = di.Duration
		}
		if okj {
			vj = dj.Duration
		}
		return vi < vj
	})
	return tests, nil
}

// failingTests returns the subset of tests whose most recent result (by
// test name, last occurrence wins across retry rounds) is FAIL or ERROR,
// each given a fresh attempt id for the next round.
func failingTests(results []runner.TestResult, tests []*runner.Test) []*runner.Test {
	latest := make(map[string]runner.TestResult, len(results))
	for _, r := range results {
		latest[r.Name] = r
	}

	var out []*runner.Test
	for _, t := range tests {
		r, ok := latest[t.Name]
		if !ok || (r.Status != runner.StatusFail && r.Status != runner.StatusError) {
			continue
		}
		t.Retry(time.Now())
		out = append(out, t)
	}
	return out
}

func buildSupervisors(ctx context.Context, cfg config.Config) ([]runner.Supervisor, error) {
	var out []runner.Supervisor

	if cfg.MkosiConfig != "" {
		if cfg.Build {
			if err := mkosi.Build(ctx, cfg.MkosiConfig, cfg.MkosiOptions); err != nil {
				return nil, fmt.Errorf("config error: %w", err)
			}
		}
		num := cfg.MkosiNum
		if num <= 0 {
			num = 1
		}
		for _, s := range mkosi.NewPool(cfg.MkosiConfig, cfg.MkosiOptions, num, cfg.MkosiFstests, time.Duration(cfg.MkosiTimeout)*time.Second) {
			out = append(out, s)
		}
	}

	if len(cfg.VMs) > 0 {
		targets, err := sshvm.ParseTargets(cfg.VMs, cfg.VMPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		for _, t := range targets {
			out = append(out, t)
		}
	}

	return out, nil
}

func buildOutput(cfg config.Config) (*cliout.Output, error) {
	out := cliout.New(cfg.ResultsDir, cliout.Options{
		PrintFailureList:  cfg.PrintFailureList,
		PrintNSlowest:     cfg.PrintNSlowest,
		PrintDurationHist: cfg.PrintDurationHist,
		JUnitXML:          cfg.JUnitXML,
	})
	return out, nil
}

// runRun is the "run" subcommand body: select tests, spawn the
// configured Supervisor pool, drive pkg/runner.TestRunner, then
// optionally snapshot a recording. It is shared, unmodified, between
// the bare root command and "fastfstests run".
func runRun(cmd *cobra.Command, args []string, rf *runFlags) error {
	cfg, err := resolveConfig(cmd, rf)
	if err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("create results dir %s: %w", cfg.ResultsDir, err)
	}

	logging.Init(cfg.Verbose)
	if cfg.Verbose {
		logsPath := runner.NewLayout(cfg.ResultsDir).LogsFile()
		if f, err := os.OpenFile(logsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			log.SetOutput(f)
		}
	}

	lockPath, err := filepath.Abs(filepath.Join(cfg.ResultsDir, ".lock"))
	if err != nil {
		return fmt.Errorf("init results lock: %w", err)
	}
	lock, err := lockfile.New(lockPath)
	if err != nil {
		return fmt.Errorf("init results lock: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("another run already owns %s: %w", cfg.ResultsDir, err)
	}
	defer lock.Unlock()

	tests, err := testselect.Collect(cfg, args)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	tests, err = applySlowestFirst(cfg, tests)
	if err != nil {
		return err
	}

	if cfg.ListOnly {
		for _, t := range tests {
			fmt.Println(t.Name)
		}
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	supervisors, err := buildSupervisors(ctx, cfg)
	if err != nil {
		return err
	}

	out, err := buildOutput(cfg)
	if err != nil {
		return err
	}

	var output runner.Output = out
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		rec := metrics.NewRecorder()
		output = &metrics.Output{Inner: out, Recorder: rec}
		metricsSrv = rec.Serve(cfg.MetricsAddr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	tr := &runner.TestRunner{
		Tests:                 tests,
		Supervisors:           supervisors,
		Output:                output,
		KeepAlive:             cfg.KeepAlive,
		TestTimeout:           cfg.TestTimeout,
		ProbeInterval:         cfg.ProbeInterval,
		MaxSupervisorRestarts: cfg.MaxSupervisorRestarts,
		Dmesg:                 cfg.Dmesg,
		TraceCommand:          traceCommand(cfg),
	}
	if cfg.MkosiTimeout > 0 {
		tr.SpawnTimeout = time.Duration(cfg.MkosiTimeout) * time.Second
	}

	runErr := tr.Run(ctx)

	for round := 0; runErr == nil && round < cfg.RetryFailures; round++ {
		retry := failingTests(out.Results(), tests)
		if len(retry) == 0 {
			break
		}
		log.Infof("retry round %d/%d: re-running %d failing test(s)", round+1, cfg.RetryFailures, len(retry))
		tr.Tests = retry
		runErr = tr.Run(ctx)
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metrics.Shutdown(shutdownCtx, metricsSrv)
		shutdownCancel()
	}

	if runErr != nil {
		out.PrintException(runErr)
		return runErr
	}

	if cfg.Record != "" {
		if err := out.SaveRecording(cfg.Record); err != nil {
			return fmt.Errorf("save recording %s: %w", cfg.Record, err)
		}
	}

	return nil
}
