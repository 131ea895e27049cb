package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/utils"
)

const (
	// terminateGracePeriod is the SIGTERM→SIGKILL window after a timeout.
	terminateGracePeriod = 5 * time.Second
	// pipeWaitDelay bounds how long Wait blocks on output pipes held open by
	// grandchildren after the direct child exited.
	pipeWaitDelay = 2 * time.Second
)

// compile-time interface check.
var _ Executor = (*CLI)(nil)

// CLI runs a real binary as a child process in its own process group.
type CLI struct {
	binary         string
	defaultTimeout time.Duration
	grace          time.Duration
}

// New creates a CLI executor for binary. defaultTimeout applies when a caller
// passes a zero timeout.
func New(binary string, defaultTimeout time.Duration) *CLI {
	return &CLI{binary: binary, defaultTimeout: defaultTimeout, grace: terminateGracePeriod}
}

// Execute implements Executor.
func (c *CLI) Execute(ctx context.Context, args []string, timeout time.Duration) (*Result, error) {
	logger := log.WithFunc("executor.Execute")
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(c.binary, args...) //nolint:gosec
	// Own process group so a timeout can take down anything the binary spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeWaitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &errdefs.Error{
			Kind:    errdefs.KindExternalTool,
			Message: fmt.Sprintf("exec %s", c.binary),
			Err:     err,
		}
	}
	pgid := cmd.Process.Pid
	logger.Debugf(ctx, "exec pid=%d: %s %s", pgid, c.binary, strings.Join(args, " "))

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var abortErr error
	select {
	case <-exited:
	case <-timer.C:
		utils.TerminateGroup(pgid, c.grace, exited)
		abortErr = errdefs.Timeoutf("%s %s timed out after %s", c.binary, verb(args), timeout)
	case <-ctx.Done():
		utils.TerminateGroup(pgid, c.grace, exited)
		abortErr = &errdefs.Error{
			Kind:    errdefs.KindTimeout,
			Message: fmt.Sprintf("%s %s aborted", c.binary, verb(args)),
			Err:     ctx.Err(),
		}
	}

	res := &Result{
		Args:     args,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if abortErr != nil {
		logger.Warnf(ctx, "pid=%d: %v", pgid, abortErr)
		return res, abortErr
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, &errdefs.Error{
			Kind:    errdefs.KindExternalTool,
			Message: fmt.Sprintf("wait %s %s", c.binary, verb(args)),
			Raw:     res.Stderr,
			Err:     waitErr,
		}
	}
	logger.Debugf(ctx, "pid=%d exit=%d in %s", pgid, res.ExitCode, res.Duration)
	return res, nil
}

func verb(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
