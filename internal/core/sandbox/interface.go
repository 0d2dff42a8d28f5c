package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

type Type string

const (
	DirectSandbox  Type = "direct"  // plain child process in its own process group
	IsolateSandbox Type = "isolate" // ioi/isolate box with cgroup limits
)

// RunRequest carries what is needed to *run* a prepared program
// (already compiled, or a script).
type RunRequest struct {
	ExecutionID      string   // execution or submission id, for logs
	TestCaseID       string   // empty outside judging
	Command          []string // argv, e.g. ["./main"] or ["python3", "main.py"]
	WorkingDirectory string   // directory holding the source or artifact
	Input            string
	// Timeout is the wall-clock limit. Zero means only ctx bounds the run.
	Timeout time.Duration
	// MemoryLimitKb is advisory for the direct executor.
	MemoryLimitKb int
	// OutputLimit caps stdout and stderr separately. Zero disables the cap.
	OutputLimit int
}

// ExecuteResult is what one run produced. Status is never Forbidden: that
// is decided before anything reaches an Executor.
type ExecuteResult struct {
	Status       models.Status
	Stdout       string
	Stderr       string
	ExitCode     int
	WallTime     time.Duration
	MemoryUsedKb int
}

// Executor runs a prepared command. It is not responsible for compiling.
type Executor interface {
	// Execute runs req.Command. A returned error means the sandbox itself
	// failed; a failing program is reported through ExecuteResult.Status.
	Execute(ctx context.Context, req RunRequest) (*ExecuteResult, error)

	// ID identifies the executor kind, e.g. "direct".
	ID() string
}

// DirMapper is implemented by executors that mount the working directory
// somewhere else inside the sandbox.
type DirMapper interface {
	// SandboxDir returns where hostDir is visible to the sandboxed program.
	SandboxDir(hostDir string) string
}

// SandboxDir returns hostDir as ex's programs see it. Executors that run
// in the host filesystem get hostDir back unchanged.
func SandboxDir(ex Executor, hostDir string) string {
	if m, ok := ex.(DirMapper); ok {
		return m.SandboxDir(hostDir)
	}
	return hostDir
}

// NewExecutor builds the executor selected by rc.SandboxType.
func NewExecutor(rc config.RunnerConfig, ic config.IsolateConfig, log *zap.Logger) (Executor, error) {
	log = logger.OrNop(log)
	switch Type(rc.SandboxType) {
	case DirectSandbox, "":
		return NewDirectExecutor(log), nil
	case IsolateSandbox:
		return NewIsolateExecutor(ic, log), nil
	default:
		return nil, fmt.Errorf("unsupported sandbox type %q", rc.SandboxType)
	}
}

type ErrorType string

const (
	ErrCmdStart ErrorType = "COMMAND_START_ERROR"
	ErrCmdWait  ErrorType = "COMMAND_WAIT_ERROR"
	ErrInternal ErrorType = "INTERNAL_SANDBOX_ERROR"
)

// Error is a failure of the sandbox, as opposed to the program under test.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details string
}

func (se *Error) Error() string {
	if se.Cause != nil {
		return fmt.Sprintf("%s: %s (type: %s)", se.Message, se.Cause.Error(), se.Type)
	}
	return fmt.Sprintf("%s (type: %s)", se.Message, se.Type)
}

func (se *Error) Unwrap() error {
	return se.Cause
}
