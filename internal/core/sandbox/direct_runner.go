package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/output"
)

const (
	memoryPollInterval = 20 * time.Millisecond
)

// DirectExecutor runs the command as a plain child process on the host.
// WARNING: the only isolation is the process group and the wall-clock
// deadline. Memory is sampled, never enforced.
type DirectExecutor struct {
	log *zap.Logger
}

// NewDirectExecutor creates a DirectExecutor.
func NewDirectExecutor(log *zap.Logger) *DirectExecutor {
	return &DirectExecutor{log: logger.OrNop(log).Named("direct")}
}

// ID returns the identifier for this executor.
func (e *DirectExecutor) ID() string {
	return string(DirectSandbox)
}

// Execute runs req.Command directly on the host with peak-RSS sampling.
func (e *DirectExecutor) Execute(ctx context.Context, req RunRequest) (*ExecuteResult, error) {
	if len(req.Command) == 0 {
		return nil, &Error{Type: ErrInternal, Message: "empty command"}
	}
	log := e.log.With(
		zap.String("executionId", req.ExecutionID),
		zap.String("testCaseId", req.TestCaseID),
		zap.Strings("command", req.Command),
	)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDirectory
	stdout := output.NewCappedBuffer(req.OutputLimit)
	stderr := output.NewCappedBuffer(req.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = strings.NewReader(req.Input)
	setProcessGroup(cmd)
	// a grandchild holding the pipes open must not block Wait forever
	cmd.WaitDelay = time.Second

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		log.Warn("failed to start command", zap.Error(err))
		return nil, &Error{
			Type:    ErrCmdStart,
			Message: "failed to start command",
			Cause:   err,
		}
	}

	pid := int32(cmd.Process.Pid)
	log.Debug("process started", zap.Int32("pid", pid))

	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.Wait()
	}()

	var maxMemUsage atomic.Uint64
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go sampleMemory(monitorCtx, pid, &maxMemUsage)

	var (
		waitErr  error
		timedOut bool
	)
	select {
	case waitErr = <-errChan:
	case <-ctx.Done():
		timedOut = true
		if err := killProcessGroup(cmd); err != nil {
			log.Warn("failed to kill process group", zap.Int32("pid", pid), zap.Error(err))
		}
		waitErr = <-errChan
	}
	stopMonitor()
	wall := time.Since(startTime)

	result := &ExecuteResult{
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		WallTime:     wall,
		MemoryUsedKb: int(maxMemUsage.Load() / 1024),
	}

	switch {
	case timedOut:
		result.Status = models.Timeout
		result.ExitCode = -1
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
		result.Status = models.Success
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			log.Error("command wait failed", zap.Error(waitErr))
			return nil, &Error{
				Type:    ErrCmdWait,
				Message: "command wait failed with unexpected error",
				Cause:   waitErr,
			}
		}
		result.Status = models.Failed
		result.ExitCode = exitErr.ExitCode()
	}

	log.Debug("execution finished",
		zap.String("status", string(result.Status)),
		zap.Int("exitCode", result.ExitCode),
		zap.Duration("wall", wall),
		zap.Int("memoryKb", result.MemoryUsedKb),
	)
	return result, nil
}

// sampleMemory records the peak RSS of pid until ctx ends. Failed samples
// are skipped: the process may already have exited.
func sampleMemory(ctx context.Context, pid int32, peak *atomic.Uint64) {
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			proc, err := process.NewProcess(pid)
			if err != nil {
				continue
			}
			mem, err := proc.MemoryInfo()
			if err != nil {
				continue
			}
			for {
				cur := peak.Load()
				if mem.RSS <= cur || peak.CompareAndSwap(cur, mem.RSS) {
					break
				}
			}
		}
	}
}
