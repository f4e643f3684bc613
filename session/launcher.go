package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// LaunchRequest describes the UI host process to start for one session.
type LaunchRequest struct {
	Executable string
	// Target is the application the UI host should load.
	Target string
	// SessionDir locates the session's stream endpoints.
	SessionDir string
	// Env is added to the controller's environment.
	Env []string
}

// Peer is a running UI host.
type Peer interface {
	// Wait blocks until the peer has exited. It may be called any number of times.
	Wait() error
	// Stop asks the peer to exit and forces it once ctx is done. It returns after the peer has exited.
	Stop(ctx context.Context) error
	PID() int
}

type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Peer, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, req LaunchRequest) (Peer, error)

func (f LauncherFunc) Launch(ctx context.Context, req LaunchRequest) (Peer, error) {
	return f(ctx, req)
}

// ExecLauncher runs the UI host as "<executable> <target> <session-dir>".
type ExecLauncher struct {
	Log *zap.SugaredLogger
	// Stdout and Stderr default to the controller's own.
	Stdout io.Writer
	Stderr io.Writer
}

func (l *ExecLauncher) Launch(ctx context.Context, req LaunchRequest) (Peer, error) {
	log := l.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	// not CommandContext: the peer outlives the call that launched it
	cmd := exec.Command(req.Executable, req.Target, req.SessionDir)
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	log.Debugw("starting UI host", "Executable", req.Executable, "Target", req.Target, "Dir", req.SessionDir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", req.Executable, err)
	}

	p := &execPeer{log: log, cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		log.Debugw("UI host exited", "PID", cmd.Process.Pid, "Error", p.err)
		close(p.exited)
	}()
	return p, nil
}

type execPeer struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func (p *execPeer) PID() int { return p.cmd.Process.Pid }

func (p *execPeer) Wait() error {
	<-p.exited
	return p.err
}

// Stop sends an interrupt, then kills the process if it is still running when ctx is done.
func (p *execPeer) Stop(ctx context.Context) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if runtime.GOOS == "windows" {
		// no interrupts on windows
		return p.kill()
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.kill()
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		p.log.Debugw("UI host did not exit after interrupt, killing", "PID", p.PID())
		return p.kill()
	}
}

func (p *execPeer) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing UI host: %w", err)
	}
	<-p.exited
	return nil
}
