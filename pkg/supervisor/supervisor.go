// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs the proxy as a child process of the launcher.
//
// The child gets its own process group so that signals reach the proxy and
// the MCP server it spawns. Terminating signals start a grace period after
// which the whole group is killed. The child's exit status becomes the
// launcher's.
package supervisor

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/health"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

// ForwardedSignals are relayed to the proxy process group.
var ForwardedSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// Options configures a supervised run.
type Options struct {
	// Argv is the command and its arguments.
	Argv []string
	// Env is the complete child environment.
	Env []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// ShutdownTimeout is how long the child may take to exit after a
	// terminating signal before the group is killed.
	ShutdownTimeout time.Duration

	// ReadyAddr is polled until it accepts TCP connections. Empty disables
	// readiness tracking.
	ReadyAddr    string
	ReadyTimeout time.Duration

	// Status receives lifecycle updates. Required.
	Status *health.Status

	// Signals overrides the signal source; nil subscribes to ForwardedSignals.
	Signals <-chan os.Signal
}

// Run starts the child and blocks until it exits. It returns nil when the
// child exits 0, a child-exit error carrying the exit code otherwise, and a
// launch error when the child cannot be started. Cancelling ctx is treated
// like receiving SIGTERM.
func Run(ctx context.Context, opts Options) error {
	if len(opts.Argv) == 0 {
		return lerrors.NewLaunchError("no command to run", nil, lerrors.ExitCannotExec)
	}

	path, err := lookPath(opts.Argv[0])
	if err != nil {
		return err
	}

	// #nosec G204 - the command line is composed by the launcher from its own configuration
	cmd := exec.Command(path, opts.Argv[1:]...)
	cmd.Env = opts.Env
	cmd.Stdin = opts.Stdin
	cmd.Stdout = defaultWriter(opts.Stdout, os.Stdout)
	cmd.Stderr = defaultWriter(opts.Stderr, os.Stderr)
	cmd.SysProcAttr = newProcessGroupAttr()

	sigCh := opts.Signals
	if sigCh == nil {
		ch := make(chan os.Signal, 8)
		signal.Notify(ch, ForwardedSignals...)
		defer signal.Stop(ch)
		sigCh = ch
	}

	if err := cmd.Start(); err != nil {
		return lerrors.NewLaunchError("failed to start proxy", err, lerrors.ExitCannotExec)
	}
	pid := cmd.Process.Pid
	opts.Status.MarkStarted(time.Now())
	logger.Infow("Proxy started", "pid", pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	watchCtx, stopWatchers := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(watchCtx)
	if opts.ReadyAddr != "" {
		g.Go(func() error {
			watchReadiness(gctx, opts.ReadyAddr, opts.ReadyTimeout, opts.Status)
			return nil
		})
	}

	waitErr := superviseLoop(ctx, pid, sigCh, waitCh, opts)

	stopWatchers()
	_ = g.Wait()

	// reap anything the proxy left behind in its group
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Debugf("Failed to clean up process group %d: %v", pid, err)
	}

	code := exitCode(cmd.ProcessState, waitErr)
	opts.Status.MarkExited(code)
	logger.Infow("Proxy exited", "pid", pid, "exit_code", code)

	if code != 0 {
		return lerrors.NewChildExitError(code)
	}
	return nil
}

// superviseLoop relays signals until the child exits and returns the Wait error.
func superviseLoop(
	ctx context.Context,
	pid int,
	sigCh <-chan os.Signal,
	waitCh <-chan error,
	opts Options,
) error {
	var killTimer <-chan time.Time
	ctxDone := ctx.Done()

	startGrace := func() {
		if killTimer == nil {
			killTimer = time.After(opts.ShutdownTimeout)
		}
	}

	for {
		select {
		case err := <-waitCh:
			return err

		case sig := <-sigCh:
			forward(pid, sig, opts.Status)
			if isTerminating(sig) {
				startGrace()
			}

		case <-ctxDone:
			ctxDone = nil
			logger.Info("Shutdown requested, stopping proxy")
			forward(pid, syscall.SIGTERM, opts.Status)
			startGrace()

		case <-killTimer:
			killTimer = nil
			logger.Warnf("Proxy did not exit within %s, killing process group %d", opts.ShutdownTimeout, pid)
			if err := signalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				logger.Errorf("Failed to kill process group %d: %v", pid, err)
			}
		}
	}
}

// lookPath resolves name like a shell would report it: 127 when there is no
// such executable, 126 when it exists but cannot be executed.
func lookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err == nil {
		return path, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return "", lerrors.NewLaunchError("proxy command not found: "+name, err, lerrors.ExitNotFound)
	}
	return "", lerrors.NewLaunchError("proxy command cannot be executed: "+name, err, lerrors.ExitCannotExec)
}

func forward(pid int, sig os.Signal, status *health.Status) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	logger.Infow("Forwarding signal to proxy", "signal", sysSig.String(), "pid", pid)
	if err := signalGroup(pid, sysSig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warnf("Failed to forward %s to process group %d: %v", sysSig, pid, err)
		return
	}
	status.SignalForwarded(sysSig.String())
}

func isTerminating(sig os.Signal) bool {
	return sig == syscall.SIGINT || sig == syscall.SIGTERM || sig == syscall.SIGQUIT
}

func defaultWriter(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

// exitCode maps the child's final state to a process exit code. A child
// killed by a signal maps to 128+signo, as a shell would report it.
func exitCode(state *os.ProcessState, waitErr error) int {
	if state == nil {
		if waitErr != nil {
			return lerrors.ExitGeneric
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
