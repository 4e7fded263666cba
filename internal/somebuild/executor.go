package somebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Result is what a finished phase process left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs one shell script with dir as working directory. A non-zero
// exit is reported through Result, not as an error; the error return is
// for processes that could not be started or were aborted.
type Runner interface {
	Run(ctx context.Context, script, dir string, env []string) (*Result, error)
}

// Executor runs phase scripts through sh in their own process group.
type Executor struct {
	Shell             string    // defaults to "sh"
	ApplyIdlePriority bool      // wrap in nice -n 19
	Console           io.Writer // optional live copy of stdout and stderr
	Log               io.Writer // optional combined build log
}

func (e *Executor) Run(ctx context.Context, script, dir string, env []string) (*Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	name, args := shell, []string{"-c", script}
	if e.ApplyIdlePriority {
		args = append([]string{"-n", "19", name}, args...)
		name = "nice"
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}

	var stdout, stderr bytes.Buffer
	outs := []io.Writer{&stdout}
	errs := []io.Writer{&stderr}
	for _, w := range []io.Writer{e.Console, e.Log} {
		if w != nil {
			outs = append(outs, w)
			errs = append(errs, w)
		}
	}
	cmd.Stdout = io.MultiWriter(outs...)
	cmd.Stderr = io.MultiWriter(errs...)

	// Own process group so cancellation reaches make's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("command aborted: %w", ctx.Err())
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		// Report a signal death the way sh does: 128 + signal number.
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitCode = 128 + int(ws.Signal())
		}
	default:
		res.ExitCode = -1
		return res, waitErr
	}
	return res, nil
}
