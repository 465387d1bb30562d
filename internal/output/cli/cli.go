// Package cli is the terminal Output: colored pass/fail lines as tests
// finish, a progress bar across the whole run, a spinner while
// supervisors spawn or the run is parked in --keep-alive, and a summary
// table at the end (followed by the failure list, slowest tests and
// duration percentiles when the matching options are set). It also owns the on-disk
// result tree: per-attempt output files, the latest/ symlink forest,
// and recording snapshots.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/LINBIT/fastfstests/internal/logging"
	"github.com/LINBIT/fastfstests/pkg/runner"
)

// Options controls which optional summary sections Output renders,
// wired from the --print-failure-list/--print-n-slowest/
// --print-duration-hist flags.
type Options struct {
	PrintFailureList  bool
	PrintNSlowest     int
	PrintDurationHist bool
	JUnitXML          bool
}

// Output is the concrete terminal runner.Output.
type Output struct {
	Layout  runner.Layout
	Options Options

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	spin     *spinner.Spinner
	spinners int // active spawn/respawn scopes sharing spin

	hist    *gohistogram.NumericHistogram
	results []runner.TestResult
	retries map[string]int

	openFiles map[string][]io.Closer
	testLogs  map[string]*log.Logger
}

var _ runner.Output = (*Output)(nil)

// New builds a fresh Output rooted at resultsDir.
func New(resultsDir string, opts Options) *Output {
	return &Output{
		Layout:    runner.NewLayout(resultsDir),
		Options:   opts,
		hist:      gohistogram.NewHistogram(25),
		retries:   make(map[string]int),
		openFiles: make(map[string][]io.Closer),
		testLogs:  make(map[string]*log.Logger),
	}
}

func supervisorLog(s runner.Supervisor) *log.Entry {
	return log.WithField(logging.FieldSupervisor, s.String())
}

func (o *Output) BeginSpawningSupervisor(s runner.Supervisor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	supervisorLog(s).Info("spawning")
	o.spinners++
	o.ensureSpinnerLocked("spawning supervisors...")
}

func (o *Output) EndSpawningSupervisor(s runner.Supervisor, err error) {
	if err != nil {
		supervisorLog(s).Warnf("spawn failed: %v", err)
	} else {
		supervisorLog(s).Info("up")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spinners--
	o.stopSpinnerIfIdleLocked()
}

func (o *Output) BeginRespawningSupervisor(s runner.Supervisor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	supervisorLog(s).Warn("respawning after supervisor death")
	o.spinners++
	o.ensureSpinnerLocked("recovering from a supervisor crash...")
}

func (o *Output) EndRespawningSupervisor(s runner.Supervisor, err error) {
	if err != nil {
		supervisorLog(s).Warnf("respawn failed: %v", err)
	} else {
		supervisorLog(s).Info("recovered")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spinners--
	o.stopSpinnerIfIdleLocked()
}

func (o *Output) BeginExitingSupervisor(s runner.Supervisor) {
	supervisorLog(s).Info("releasing")
}

func (o *Output) EndExitingSupervisor(s runner.Supervisor, err error) {
	if err != nil {
		supervisorLog(s).Warnf("release failed: %v", err)
	}
}

func (o *Output) SupervisorDied(s runner.Supervisor, testName string) {
	entry := supervisorLog(s)
	if testName != "" {
		entry = entry.WithField(logging.FieldTest, testName)
	}
	entry.Warn("supervisor died")
}

func (o *Output) BeginRunningTests(total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bar = progressbar.Default(int64(total), "running tests")
}

func (o *Output) EndRunningTests() {
	o.mu.Lock()
	bar := o.bar
	o.mu.Unlock()
	if bar != nil {
		_ = bar.Finish()
	}
}

func (o *Output) BeginRunningTest(test *runner.Test) (stdout, stderr io.Writer) {
	dir, err := o.Layout.EnsureTestDir(test.Name, test.AttemptID())
	if err != nil {
		log.Errorf("create test dir for %s: %v", test, err)
		return io.Discard, io.Discard
	}

	outFile, err := os.Create(filepath.Join(dir, "stdout"))
	if err != nil {
		log.Errorf("open stdout for %s: %v", test, err)
		outFile = nil
	}
	errFile, err := os.Create(filepath.Join(dir, "stderr"))
	if err != nil {
		log.Errorf("open stderr for %s: %v", test, err)
		errFile = nil
	}

	logFile, err := os.Create(filepath.Join(dir, "log"))
	if err != nil {
		log.Errorf("open log for %s: %v", test, err)
		logFile = nil
	}

	var testLog *log.Logger
	o.mu.Lock()
	if outFile != nil {
		o.openFiles[test.AttemptID()] = append(o.openFiles[test.AttemptID()], outFile)
	}
	if errFile != nil {
		o.openFiles[test.AttemptID()] = append(o.openFiles[test.AttemptID()], errFile)
	}
	if logFile != nil {
		o.openFiles[test.AttemptID()] = append(o.openFiles[test.AttemptID()], logFile)
		testLog = logging.TestLogger(test.Name, test.AttemptID(), logFile)
		o.testLogs[test.AttemptID()] = testLog
	}
	o.mu.Unlock()

	if testLog != nil {
		testLog.Debugf("running %s", test.Command)
	}

	if outFile != nil {
		stdout = outFile
	} else {
		stdout = io.Discard
	}
	if errFile != nil {
		stderr = errFile
	} else {
		stderr = io.Discard
	}
	return stdout, stderr
}

func (o *Output) EndRunningTest(test *runner.Test) {
	o.mu.Lock()
	delete(o.testLogs, test.AttemptID())
	o.mu.Unlock()
	o.closeAttempt(test.AttemptID())
}

func (o *Output) closeAttempt(attemptID string) {
	o.mu.Lock()
	closers := o.openFiles[attemptID]
	delete(o.openFiles, attemptID)
	o.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

func (o *Output) FinishedTest(test *runner.Test, result runner.TestResult) {
	dir, err := o.Layout.EnsureTestDir(test.Name, test.AttemptID())
	if err != nil {
		log.Errorf("persist result for %s: %v", test, err)
	} else {
		if err := runner.WriteResultFiles(dir, result); err != nil {
			log.Errorf("write result files for %s: %v", test, err)
		}
		o.mu.Lock()
		retries := o.retries[test.Name]
		o.mu.Unlock()
		if err := runner.WriteRetries(dir, retries); err != nil {
			log.Errorf("write retries for %s: %v", test, err)
		}
		if err := o.Layout.LinkLatest(test.Name, dir); err != nil {
			log.Errorf("publish latest/%s: %v", test.Name, err)
		}
		if o.Options.JUnitXML {
			if err := writeJUnitXML(dir, test.Name, result); err != nil {
				log.Errorf("write junit xml for %s: %v", test, err)
			}
		}
	}

	o.mu.Lock()
	o.results = append(o.results, result)
	o.hist.Add(result.Duration.Seconds())
	bar := o.bar
	testLog := o.testLogs[test.AttemptID()]
	o.mu.Unlock()

	if testLog != nil {
		testLog.Debugf("finished: %s in %s", result.Status, result.Duration.Round(time.Millisecond))
	}

	o.printResultLine(test, result)
	if bar != nil {
		_ = bar.Add(1)
	}
}

// Results returns a snapshot of every result recorded so far, for
// --retry-failures to decide which tests still need another round.
func (o *Output) Results() []runner.TestResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]runner.TestResult(nil), o.results...)
}

func (o *Output) RecordRetry(test *runner.Test, result runner.TestResult) {
	dir, err := o.Layout.EnsureTestDir(test.Name, test.AttemptID())
	if err == nil {
		if err := runner.WriteResultFiles(dir, result); err != nil {
			log.Errorf("persist retry result for %s: %v", test, err)
		}
	}

	o.mu.Lock()
	o.retries[test.Name]++
	count := o.retries[test.Name]
	o.mu.Unlock()

	log.Warnf("retrying %s (attempt %d): %s", test.Name, count, result.Summary)
}

func (o *Output) BeginLogBpftrace(test *runner.Test) (stdout, stderr io.Writer) {
	dir, err := o.Layout.EnsureTestDir(test.Name, test.AttemptID())
	if err != nil {
		return io.Discard, io.Discard
	}
	return o.openTrace(test, dir, "bpftrace-stdout", "bpftrace-stderr")
}

func (o *Output) EndLogBpftrace(test *runner.Test) {
	o.closeAttempt(test.AttemptID() + ":bpftrace")
}

func (o *Output) BeginLogDmesg(test *runner.Test) io.Writer {
	dir, err := o.Layout.EnsureTestDir(test.Name, test.AttemptID())
	if err != nil {
		return io.Discard
	}
	f, err := os.Create(filepath.Join(dir, "dmesg"))
	if err != nil {
		return io.Discard
	}
	o.mu.Lock()
	o.openFiles[test.AttemptID()+":dmesg"] = append(o.openFiles[test.AttemptID()+":dmesg"], f)
	o.mu.Unlock()
	return f
}

func (o *Output) EndLogDmesg(test *runner.Test) {
	o.closeAttempt(test.AttemptID() + ":dmesg")
}

func (o *Output) openTrace(test *runner.Test, dir, outName, errName string) (io.Writer, io.Writer) {
	outFile, errOut := os.Create(filepath.Join(dir, outName))
	errFile, errErr := os.Create(filepath.Join(dir, errName))

	o.mu.Lock()
	key := test.AttemptID() + ":bpftrace"
	if errOut == nil && outFile != nil {
		o.openFiles[key] = append(o.openFiles[key], outFile)
	}
	if errErr == nil && errFile != nil {
		o.openFiles[key] = append(o.openFiles[key], errFile)
	}
	o.mu.Unlock()

	var stdout, stderr io.Writer = io.Discard, io.Discard
	if errOut == nil {
		stdout = outFile
	}
	if errErr == nil {
		stderr = errFile
	}
	return stdout, stderr
}

func (o *Output) GetArtifactPath(test *runner.Test) string {
	dir := filepath.Join(o.Layout.TestDir(test.Name, test.AttemptID()), "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("create artifact dir for %s: %v", test, err)
	}
	return dir
}

func (o *Output) PrintSummary() {
	o.mu.Lock()
	results := append([]runner.TestResult(nil), o.results...)
	retries := make(map[string]int, len(o.retries))
	for k, v := range o.retries {
		retries[k] = v
	}
	o.mu.Unlock()

	counts := map[runner.TestStatus]int{}
	for _, r := range results {
		counts[r.Status]++
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("STATUS"),
		text.Colors{text.FgHiBlue, text.Bold}.Sprint("COUNT"),
	})
	for _, status := range []runner.TestStatus{runner.StatusPass, runner.StatusFail, runner.StatusSkip, runner.StatusError} {
		t.AppendRow(table.Row{statusColor(status).Sprint(status), counts[status]})
	}
	t.Render()

	if o.Options.PrintFailureList {
		o.printFailureList(results)
	}
	if o.Options.PrintNSlowest > 0 {
		o.printSlowest(results, o.Options.PrintNSlowest)
	}
	if o.Options.PrintDurationHist {
		o.printDurationHistogram()
	}

	flaky := 0
	for _, n := range retries {
		if n > 0 {
			flaky++
		}
	}
	if flaky > 0 {
		fmt.Printf("\n%d test(s) needed a supervisor restart before finishing\n", flaky)
	}
}

func (o *Output) printFailureList(results []runner.TestResult) {
	var failing []runner.TestResult
	for _, r := range results {
		if r.Status == runner.StatusFail || r.Status == runner.StatusError {
			failing = append(failing, r)
		}
	}
	if len(failing) == 0 {
		return
	}
	fmt.Println("\nFailed tests:")
	for _, r := range failing {
		fmt.Printf("  %s %s\n", statusColor(r.Status).Sprint(r.Status), r.Name)
	}
}

func (o *Output) printSlowest(results []runner.TestResult, n int) {
	sorted := append([]runner.TestResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Duration > sorted[j].Duration })
	if n > len(sorted) {
		n = len(sorted)
	}
	if n == 0 {
		return
	}
	fmt.Printf("\n%d slowest tests:\n", n)
	for _, r := range sorted[:n] {
		fmt.Printf("  %-30s %s\n", r.Name, r.Duration.Round(time.Millisecond))
	}
}

func (o *Output) printDurationHistogram() {
	o.mu.Lock()
	hist := o.hist
	o.mu.Unlock()
	fmt.Println("\nDuration percentiles:")
	for _, p := range []float64{0.5, 0.9, 0.99} {
		fmt.Printf("  p%.0f: %.2fs\n", p*100, hist.Quantile(p))
	}
}

var junitInvalidRunes = regexp.MustCompile("[^\t\n\r\x20-\x7e]")

// writeJUnitXML writes dir/junit.xml, one <testsuite> holding the single
// <testcase> for this attempt. stdout and stderr are read back from the
// files BeginRunningTest wrote them to, since Supervisor.RunTest streams
// output straight to those files rather than returning it in the
// TestResult.
func writeJUnitXML(dir, testName string, result runner.TestResult) error {
	f, err := os.Create(filepath.Join(dir, "junit.xml"))
	if err != nil {
		return fmt.Errorf("create junit xml: %w", err)
	}
	defer f.Close()

	stdout, _ := os.ReadFile(filepath.Join(dir, "stdout"))
	stderr, _ := os.ReadFile(filepath.Join(dir, "stderr"))

	failed := result.Status == runner.StatusFail || result.Status == runner.StatusError
	nrFailed := 0
	if failed {
		nrFailed = 1
	}

	fmt.Fprintf(f, "<testsuite tests=\"1\" failures=\"%d\" assertions=\"1\">\n", nrFailed)
	fmt.Fprintf(f, "<testcase classname=\"test.%s\" name=\"%s.run\" time=\"%.2f\">",
		testName, testName, result.Duration.Seconds())
	f.WriteString("<system-out>\n<![CDATA[\n")
	f.Write(junitInvalidRunes.ReplaceAllLiteral(stdout, []byte{' '}))
	f.WriteString("]]></system-out>\n")
	if failed {
		f.WriteString("<failure message=\"" + result.Status.String() + "\">\n<![CDATA[\n")
		f.Write(junitInvalidRunes.ReplaceAllLiteral(stderr, []byte{' '}))
		f.WriteString("]]>\n</failure>\n")
	}
	f.WriteString("</testcase></testsuite>")
	return nil
}

func (o *Output) PrintException(err error) {
	log.Errorf("unrecoverable error: %v", err)
}

func (o *Output) BeginKeepingAlive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spinners++
	o.ensureSpinnerLocked("keeping supervisors alive, press Ctrl+C to exit...")
}

func (o *Output) EndKeepingAlive() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spinners--
	o.stopSpinnerIfIdleLocked()
}

// SaveRecording copies latest/ (resolving symlinks) into
// recordings/<label>/, so a later `compare` can diff this run against
// it byte-for-byte.
func (o *Output) SaveRecording(label string) error {
	src := filepath.Join(o.Layout.Root, "latest")
	dst := o.Layout.RecordingDir(label)
	return copyTree(src, dst)
}

// copyTree recursively copies src into dst, following symlinks (the
// latest/<name> entries are symlinks to attempt directories, and their
// contents, not the links themselves, are what a recording preserves).
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if info.IsDir() {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dst, err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", src, err)
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return os.WriteFile(dst, data, 0o644)
}

func statusColor(s runner.TestStatus) text.Colors {
	switch s {
	case runner.StatusPass:
		return text.Colors{text.FgHiGreen, text.Bold}
	case runner.StatusFail:
		return text.Colors{text.FgHiRed, text.Bold}
	case runner.StatusSkip:
		return text.Colors{text.FgHiYellow, text.Bold}
	default:
		return text.Colors{text.FgHiMagenta, text.Bold}
	}
}

func (o *Output) printResultLine(test *runner.Test, result runner.TestResult) {
	fmt.Printf("%s %-30s %s\n", statusColor(result.Status).Sprint(result.Status), test.Name, result.Duration.Round(time.Millisecond))
}

// ensureSpinnerLocked starts the shared spinner (if the terminal
// supports it) the first time a scope needs one; caller holds o.mu.
func (o *Output) ensureSpinnerLocked(suffix string) {
	if o.spin != nil {
		o.spin.Suffix = " " + suffix
		return
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	o.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	o.spin.Suffix = " " + suffix
	o.spin.Start()
}

func (o *Output) stopSpinnerIfIdleLocked() {
	if o.spinners <= 0 && o.spin != nil {
		o.spin.Stop()
		o.spin = nil
	}
}
