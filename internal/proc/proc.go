// Package proc starts child processes directly on the host, either
// supervised (the caller waits on them) or fully detached (the caller
// releases them immediately and never learns how they exit).
package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StartRequest describes a supervised child process. The working directory
// is always passed explicitly; this package never changes the launcher's
// own working directory.
type StartRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Result is the outcome of a supervised process.
type Result struct {
	ExitCode int
	TimeMS   int64
}

type result struct {
	code   int
	timeMS int64
	err    error
}

// Proc is a handle to a started supervised process.
type Proc struct {
	wait func(context.Context) (*Result, error)
}

func (p *Proc) Wait(ctx context.Context) (*Result, error) { return p.wait(ctx) }

// Start launches the requested command and returns a handle to wait on it.
// Canceling ctx kills the process.
func Start(ctx context.Context, req StartRequest) (*Proc, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.Dir = req.WD

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	// wait on the process to finish and send the result
	resultChan := make(chan result, 1)
	procExitedChan := make(chan struct{})
	go func() {
		exitCode := 0
		var resultErr error

		err := cmd.Wait()
		timeMS := time.Since(start).Milliseconds()
		close(procExitedChan)
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				resultErr = err
				exitCode = -1
			}
		}
		select {
		case <-ctx.Done():
			return
		case resultChan <- result{code: exitCode, timeMS: timeMS, err: resultErr}:
		}
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-procExitedChan:
		}
	}()

	return &Proc{
		wait: func(ctx context.Context) (*Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-resultChan:
				return &Result{ExitCode: res.code, TimeMS: res.timeMS}, res.err
			}
		},
	}, nil
}

// Run starts the given command and waits for it to exit, returning an error
// on a non-zero exit code.
func Run(ctx context.Context, req StartRequest) (*Result, error) {
	p, err := Start(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for process to exit: %w", err)
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("non-zero exit code %d", res.ExitCode)
	}
	return res, nil
}

// DetachRequest describes a fire-and-forget child process. Stdout and
// stderr are redirected to LogFile; stdin is /dev/null.
type DetachRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
	LogFile string
}

// StartDetached launches the requested command in its own process group and
// releases the handle, so the child outlives the caller and is never waited
// on. It returns the child's PID. There is no supervision afterward; that
// is intentional.
func StartDetached(req DetachRequest) (int, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if req.LogFile != "" {
		f, err := os.OpenFile(req.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("opening log file %q: %w", req.LogFile, err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting command: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("releasing process: %w", err)
	}
	return pid, nil
}
