// Package sshvm is a concrete Supervisor for an already-running host
// reached over SSH (the `--vms HOST:PATH,...` targets). Unlike mkosi,
// it never spawns or tears down the remote machine; Acquire/Release
// only manage the SSH connection and a per-command working directory.
package sshvm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/LINBIT/fastfstests/pkg/runner"
)

var _ runner.Supervisor = (*Supervisor)(nil)

// Supervisor reaches Host:Port as User, running every command inside
// WorkDir (the --vms HOST:PATH's PATH, e.g. an fstests checkout).
type Supervisor struct {
	Host    string
	Port    string
	User    string
	WorkDir string

	PrivateKeyPath string
	DialTimeout    time.Duration // default 10s

	mu     sync.Mutex
	client *ssh.Client
	exited bool
}

// ParseTargets splits "--vms HOST:PATH,HOST2:PATH2" into Supervisors,
// each defaulting User to "root" and Port to "22".
func ParseTargets(specs []string, privateKeyPath string) ([]*Supervisor, error) {
	out := make([]*Supervisor, 0, len(specs))
	for _, target := range specs {
		host, workDir, ok := strings.Cut(target, ":")
		if !ok || host == "" || workDir == "" {
			return nil, fmt.Errorf("invalid --vms target %q, want HOST:PATH", target)
		}
		out = append(out, &Supervisor{
			Host:           host,
			Port:           "22",
			User:           "root",
			WorkDir:        workDir,
			PrivateKeyPath: privateKeyPath,
		})
	}
	return out, nil
}

func (s *Supervisor) config() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(s.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", s.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", s.PrivateKeyPath, err)
	}

	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Acquire dials the SSH connection and confirms it with a trivial
// round trip.
func (s *Supervisor) Acquire(ctx context.Context) error {
	cfg, err := s.config()
	if err != nil {
		s.setExited(true)
		return err
	}

	addr := net.JoinHostPort(s.Host, s.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		s.setExited(true)
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	s.mu.Lock()
	s.client = client
	s.exited = false
	s.mu.Unlock()

	if !s.Probe(ctx) {
		_ = s.Release(ctx)
		return fmt.Errorf("acquired %s but initial probe failed", addr)
	}
	return nil
}

// Release closes the SSH connection. Idempotent.
func (s *Supervisor) Release(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.exited = true
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func (s *Supervisor) session() (*ssh.Session, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, runner.ErrChannelGone
	}
	return client.NewSession()
}

func (s *Supervisor) command(cmd string) string {
	return fmt.Sprintf("cd %s && %s", s.WorkDir, cmd)
}

// RunTest runs test.Command in WorkDir over SSH, bounded by timeout.
func (s *Supervisor) RunTest(ctx context.Context, test *runner.Test, timeout int, stdout, stderr io.Writer) (runner.TestResult, error) {
	sess, err := s.session()
	if err != nil {
		return runner.TestResult{}, err
	}
	defer sess.Close()

	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- sess.Run(s.command(test.Command)) }()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(time.Duration(timeout) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-done:
		duration := time.Since(start)
		return s.classify(ctx, test.Name, duration, err)
	case <-timeoutCh:
		_ = sess.Signal(ssh.SIGKILL)
		return runner.NewErrorResult(test.Name, "timed out", time.Since(start), time.Now()), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return runner.TestResult{}, runner.ErrChannelGone
	}
}

func (s *Supervisor) classify(ctx context.Context, name string, duration time.Duration, runErr error) (runner.TestResult, error) {
	if ctx.Err() != nil {
		return runner.TestResult{}, runner.ErrChannelGone
	}

	retcode := 0
	status := runner.StatusPass
	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
	case asExitError(runErr, &exitErr):
		retcode = exitErr.ExitStatus()
		status = runner.StatusFail
	default:
		return runner.TestResult{}, fmt.Errorf("%w: %v", runner.ErrChannelGone, runErr)
	}

	return runner.TestResult{
		Name:      name,
		Status:    status,
		Duration:  duration,
		Timestamp: time.Now(),
		Retcode:   &retcode,
	}, nil
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// Probe runs a trivial remote command bounded at 5s.
func (s *Supervisor) Probe(ctx context.Context) bool {
	sess, err := s.session()
	if err != nil {
		return false
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run(s.command("true")) }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(5 * time.Second):
		_ = sess.Signal(ssh.SIGKILL)
		return false
	}
}

// Trace runs command over SSH until Stop closes its session.
func (s *Supervisor) Trace(ctx context.Context, command string, stdout, stderr io.Writer) (runner.TraceHandle, error) {
	if command == "" {
		return runner.NoopTrace, nil
	}
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	sess.Stdout = stdout
	sess.Stderr = stderr

	if err := sess.Start(s.command(command)); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start trace %q: %w", command, err)
	}
	return &traceHandle{sess: sess}, nil
}

type traceHandle struct{ sess *ssh.Session }

func (t *traceHandle) Stop(ctx context.Context) error {
	_ = t.sess.Signal(ssh.SIGTERM)
	return t.sess.Close()
}

// CollectArtifacts lists and cats each of test's artifact globs over
// SSH into destDir. Never fatal: failures are logged.
func (s *Supervisor) CollectArtifacts(ctx context.Context, test *runner.Test, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir %s: %w", destDir, err)
	}

	for _, pattern := range test.ArtifactGlobs {
		sess, err := s.session()
		if err != nil {
			log.Warnf("collect artifacts %q: %v", pattern, err)
			continue
		}

		var listOut bytes.Buffer
		sess.Stdout = &listOut
		if err := sess.Run(s.command(fmt.Sprintf("ls -1 %s 2>/dev/null", pattern))); err != nil {
			sess.Close()
			log.Warnf("list artifacts %q on %s: %v", pattern, s.Host, err)
			continue
		}
		sess.Close()

		for _, remote := range strings.Fields(listOut.String()) {
			catSess, err := s.session()
			if err != nil {
				log.Warnf("collect artifact %s: %v", remote, err)
				continue
			}
			var data bytes.Buffer
			catSess.Stdout = &data
			err = catSess.Run(s.command(fmt.Sprintf("cat %s", remote)))
			catSess.Close()
			if err != nil {
				log.Warnf("cat artifact %s on %s: %v", remote, s.Host, err)
				continue
			}
			local := remote
			if idx := strings.LastIndexByte(remote, '/'); idx >= 0 {
				local = remote[idx+1:]
			}
			if err := os.WriteFile(fmt.Sprintf("%s/%s", destDir, local), data.Bytes(), 0o644); err != nil {
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
	return fmt.Sprintf("ssh %s@%s:%s", s.User, s.Host, s.WorkDir)
}
