// Package procexec wraps exec.Cmd with graceful, context-driven
// termination: on context cancellation it sends SIGTERM and escalates to
// SIGKILL after a grace period, so a cancelled mkosi/ssh child process
// never outlives the Supervisor call that started it.
package procexec

import (
	"context"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long Run waits after SIGTERM before SIGKILL.
const DefaultGracePeriod = 30 * time.Second

// Run starts cmd and waits for it to finish, terminating it gracefully
// if ctx is done first: SIGTERM immediately, SIGKILL after grace elapses
// if the process has not exited by then. A zero grace uses
// DefaultGracePeriod.
func Run(ctx context.Context, logger log.FieldLogger, cmd *exec.Cmd, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	complete := make(chan struct{})
	finished := make(chan struct{})
	go handleTermination(ctx, logger, cmd, grace, complete, finished)

	err := cmd.Wait()

	close(complete)
	<-finished

	return err
}

// Terminate stops an already-started cmd: SIGTERM immediately, SIGKILL
// once grace elapses, then reaps it. Safe on a process that has already
// exited on its own.
func Terminate(logger log.FieldLogger, cmd *exec.Cmd, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	_ = cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	logger.Warnln("terminating: grace period expired, sending SIGKILL")
	_ = cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func handleTermination(ctx context.Context, logger log.FieldLogger, cmd *exec.Cmd, grace time.Duration, complete <-chan struct{}, finished chan<- struct{}) {
	select {
	case <-ctx.Done():
		logger.Warnln("terminating: sending SIGTERM")
		_ = cmd.Process.Signal(unix.SIGTERM)
		select {
		case <-time.After(grace):
			logger.Errorln("terminating: grace period expired, sending SIGKILL")
			_ = cmd.Process.Kill()
		case <-complete:
		}
	case <-complete:
	}
	close(finished)
}
