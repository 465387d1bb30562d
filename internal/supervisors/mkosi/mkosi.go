// Package mkosi is a concrete Supervisor backed by an ephemeral
// `mkosi ... qemu` machine, reached over `mkosi ssh`: the VM driver for
// pools the runner spawns and tears down itself.
package mkosi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/LINBIT/fastfstests/internal/procexec"
	"github.com/LINBIT/fastfstests/pkg/runner"
)

var _ runner.Supervisor = (*Supervisor)(nil)

// releaseGrace is how long Release and trace teardown wait between
// SIGTERM and SIGKILL.
const releaseGrace = 2 * time.Second

// Supervisor drives one `mkosi --machine <name> qemu` VM. WorkDir, when
// set, is the in-image directory every test command runs from (the
// fstests checkout baked into the image).
type Supervisor struct {
	MkosiPath      string // resolved via exec.LookPath if empty
	ConfigDir      string // cwd for every mkosi invocation
	Options        []string
	Name           string
	WorkDir        string
	AcquireTimeout time.Duration // default 30s

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited bool
}

// Build runs `mkosi build` in configDir, once up front before any
// Supervisor in the pool is acquired.
func Build(ctx context.Context, configDir string, options []string) error {
	path, err := exec.LookPath("mkosi")
	if err != nil {
		return fmt.Errorf("mkosi not found on PATH: %w", err)
	}
	args := append(append([]string{}, options...), "build")
	cmd := exec.Command(path, args...)
	cmd.Dir = configDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := procexec.Run(ctx, log.StandardLogger(), cmd, 0); err != nil {
		return fmt.Errorf("mkosi build: %w: %s", err, out.String())
	}
	return nil
}

// NewPool builds num Supervisors, each with a unique ephemeral machine
// name.
func NewPool(configDir string, options []string, num int, workDir string, acquireTimeout time.Duration) []*Supervisor {
	pool := make([]*Supervisor, num)
	for i := range pool {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		pool[i] = &Supervisor{
			ConfigDir:      configDir,
			Options:        options,
			Name:           fmt.Sprintf("ff-%d-%s", i, suffix),
			WorkDir:        workDir,
			AcquireTimeout: acquireTimeout,
		}
	}
	return pool
}

func (s *Supervisor) mkosi() (string, error) {
	if s.MkosiPath != "" {
		return s.MkosiPath, nil
	}
	path, err := exec.LookPath("mkosi")
	if err != nil {
		return "", fmt.Errorf("mkosi not found on PATH: %w", err)
	}
	s.MkosiPath = path
	return path, nil
}

// command prefixes cmd with a change into WorkDir when one is set.
func (s *Supervisor) command(cmd string) string {
	if s.WorkDir == "" {
		return cmd
	}
	return fmt.Sprintf("cd %s && %s", s.WorkDir, cmd)
}

// Acquire starts the qemu machine and polls it with `mkosi ssh echo POKE`
// until it answers or AcquireTimeout elapses.
func (s *Supervisor) Acquire(ctx context.Context) error {
	mkosiPath, err := s.mkosi()
	if err != nil {
		s.setExited(true)
		return err
	}

	args := append([]string{"--machine", s.Name}, s.Options...)
	args = append(args, "qemu")
	cmd := exec.Command(mkosiPath, args...)
	cmd.Dir = s.ConfigDir
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		s.setExited(true)
		return fmt.Errorf("start mkosi qemu %s: %w", s.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.exited = false
	s.mu.Unlock()

	timeout := s.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.waitForMachine(waitCtx); err != nil {
		_ = s.Release(context.Background())
		return fmt.Errorf("wait for machine %s: %w", s.Name, err)
	}
	return nil
}

func (s *Supervisor) waitForMachine(ctx context.Context) error {
	mkosiPath, _ := s.mkosi()
	for {
		pokeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cmd := exec.CommandContext(pokeCtx, mkosiPath, "--machine", s.Name, "ssh", "echo", "POKE")
		cmd.Dir = s.ConfigDir
		err := cmd.Run()
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Release terminates the qemu process: SIGTERM, then SIGKILL if it has
// not exited within the grace period. Idempotent.
func (s *Supervisor) Release(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.exited = true
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	procexec.Terminate(log.StandardLogger(), cmd, releaseGrace)
	return nil
}

// RunTest runs test.Command over `mkosi ssh`, classifying the result
// PASS/FAIL/SKIP from the retcode and (for SKIP) the fstests
// "[not run]" marker in stdout.
func (s *Supervisor) RunTest(ctx context.Context, test *runner.Test, timeout int, stdout, stderr io.Writer) (runner.TestResult, error) {
	mkosiPath, err := s.mkosi()
	if err != nil {
		return runner.TestResult{}, runner.ErrChannelGone
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	var captured bytes.Buffer
	cmd := exec.CommandContext(runCtx, mkosiPath, "--machine", s.Name, "ssh", s.command(test.Command))
	cmd.Dir = s.ConfigDir
	cmd.Stdout = io.MultiWriter(stdout, &captured)
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() != nil && ctx.Err() == nil {
		return runner.NewErrorResult(test.Name, "timed out", duration, time.Now()), nil
	}
	if ctx.Err() != nil {
		return runner.TestResult{}, runner.ErrChannelGone
	}

	var exitErr *exec.ExitError
	retcode := 0
	switch {
	case errors.As(runErr, &exitErr):
		retcode = exitErr.ExitCode()
	case runErr != nil:
		return runner.TestResult{}, fmt.Errorf("%w: %v", runner.ErrChannelGone, runErr)
	}

	status := runner.StatusFail
	switch {
	case retcode == 0 && bytes.Contains(captured.Bytes(), []byte("[not run]")):
		status = runner.StatusSkip
	case retcode == 0:
		status = runner.StatusPass
	}

	return runner.TestResult{
		Name:      test.Name,
		Status:    status,
		Duration:  duration,
		Timestamp: time.Now(),
		Retcode:   &retcode,
	}, nil
}

// Probe is a 5s-bounded `mkosi ssh echo POKE`.
func (s *Supervisor) Probe(ctx context.Context) bool {
	mkosiPath, err := s.mkosi()
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, mkosiPath, "--machine", s.Name, "ssh", "echo", "POKE")
	cmd.Dir = s.ConfigDir
	return cmd.Run() == nil
}

// Trace starts command over `mkosi ssh`, running until Stop is called.
func (s *Supervisor) Trace(ctx context.Context, command string, stdout, stderr io.Writer) (runner.TraceHandle, error) {
	if command == "" {
		return runner.NoopTrace, nil
	}
	mkosiPath, err := s.mkosi()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(mkosiPath, "--machine", s.Name, "ssh", command)
	cmd.Dir = s.ConfigDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start trace %q on %s: %w", command, s.Name, err)
	}
	return &traceHandle{cmd: cmd}, nil
}

type traceHandle struct{ cmd *exec.Cmd }

func (t *traceHandle) Stop(ctx context.Context) error {
	procexec.Terminate(log.StandardLogger(), t.cmd, releaseGrace)
	return nil
}

// CollectArtifacts lists each of test's artifact globs over `mkosi ssh`
// and cats every match into destDir. Never fatal: failures are logged.
func (s *Supervisor) CollectArtifacts(ctx context.Context, test *runner.Test, destDir string) error {
	mkosiPath, err := s.mkosi()
	if err != nil {
		return err
	}
	collectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir %s: %w", destDir, err)
	}

	for _, pattern := range test.ArtifactGlobs {
		listCmd := exec.CommandContext(collectCtx, mkosiPath, "--machine", s.Name, "ssh",
			s.command(fmt.Sprintf("ls -1 %s 2>/dev/null", pattern)))
		listCmd.Dir = s.ConfigDir
		out, err := listCmd.Output()
		if err != nil {
			log.Warnf("list artifacts %q on %s: %v", pattern, s.Name, err)
			continue
		}

		for _, remote := range strings.Fields(string(out)) {
			catCmd := exec.CommandContext(collectCtx, mkosiPath, "--machine", s.Name, "ssh",
				s.command(fmt.Sprintf("cat %s", remote)))
			catCmd.Dir = s.ConfigDir
			data, err := catCmd.Output()
			if err != nil {
				log.Warnf("collect artifact %s on %s: %v", remote, s.Name, err)
				continue
			}
			local := filepath.Join(destDir, filepath.Base(remote))
			if err := os.WriteFile(local, data, 0o644); err != nil {
				log.Warnf("write artifact %s: %v", local, err)
			}
		}
	}
	return nil
}

func (s *Supervisor) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func (s *Supervisor) setExited(v bool) {
	s.mu.Lock()
	s.exited = v
	s.mu.Unlock()
}

func (s *Supervisor) String() string {
	return fmt.Sprintf("mkosi --machine %s", s.Name)
}
