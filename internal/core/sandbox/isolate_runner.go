package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/output"
)

const (
	// DefaultIsolatePath is the default path to the isolate executable.
	DefaultIsolatePath = "isolate"
	// DefaultEnvPath is the PATH given to sandboxed processes.
	DefaultEnvPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	// DefaultFsizeKb is the default file size limit in KB.
	DefaultFsizeKb = 65536 // 64 MB
	// DefaultProcesses is the default maximum number of processes.
	DefaultProcesses = 64
	// DefaultExtraTimeSeconds is the grace period before a timed-out box is killed.
	DefaultExtraTimeSeconds = 2.0
	// DefaultWallTimeFactor multiplies the CPU limit to get the wall limit.
	DefaultWallTimeFactor = 2.0
	// DefaultBoxCleanupTimeout bounds isolate --cleanup.
	DefaultBoxCleanupTimeout = 5 * time.Second
)

// IsolateExecutor implements Executor with the isolate tool.
type IsolateExecutor struct {
	config       config.IsolateConfig
	log          *zap.Logger
	boxIDCounter atomic.Uint32
}

// NewIsolateExecutor fills unset fields of cfg with defaults.
func NewIsolateExecutor(cfg config.IsolateConfig, log *zap.Logger) *IsolateExecutor {
	if cfg.IsolatePath == "" {
		cfg.IsolatePath = DefaultIsolatePath
	}
	if cfg.EnvPath == "" {
		cfg.EnvPath = DefaultEnvPath
	}
	if cfg.DefaultFsizeKb == 0 {
		cfg.DefaultFsizeKb = DefaultFsizeKb
	}
	if cfg.DefaultProcesses == 0 {
		cfg.DefaultProcesses = DefaultProcesses
	}
	if cfg.ExtraTimeSeconds == 0 {
		cfg.ExtraTimeSeconds = DefaultExtraTimeSeconds
	}
	if cfg.WallTimeFactor == 0 {
		cfg.WallTimeFactor = DefaultWallTimeFactor
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &IsolateExecutor{config: cfg, log: logger.OrNop(log).Named("isolate")}
}

// ID returns the identifier for this executor.
func (e *IsolateExecutor) ID() string {
	return string(IsolateSandbox)
}

// Execute runs req.Command inside a fresh isolate box. The working directory
// is bound to /box.
func (e *IsolateExecutor) Execute(ctx context.Context, req RunRequest) (*ExecuteResult, error) {
	if len(req.Command) == 0 {
		return nil, &Error{Type: ErrInternal, Message: "empty command"}
	}
	boxID := strconv.FormatUint(uint64(e.boxIDCounter.Add(1)%1000), 10)
	log := e.log.With(zap.String("boxId", boxID), zap.String("executionId", req.ExecutionID), zap.String("testCaseId", req.TestCaseID))

	files, err := e.hostFiles(boxID, req.Input)
	if err != nil {
		return nil, err
	}
	defer files.remove()

	initArgs := []string{"--box-id=" + boxID, "--cg", "--init"}
	if out, err := exec.CommandContext(ctx, e.config.IsolatePath, initArgs...).CombinedOutput(); err != nil {
		log.Error("isolate init failed", zap.ByteString("output", out), zap.Error(err))
		return nil, &Error{Type: ErrInternal, Message: "isolate init failed", Cause: err, Details: string(out)}
	}
	defer e.cleanup(boxID, log)

	runArgs := e.runArgs(boxID, req, files)
	cmd := exec.CommandContext(ctx, e.config.IsolatePath, runArgs...)
	start := time.Now()
	runErr := cmd.Run() // non-nil for any non-zero exit; the meta file is authoritative
	wall := time.Since(start)
	if runErr != nil {
		log.Debug("isolate run returned error", zap.Error(runErr))
	}

	result := &ExecuteResult{
		Stdout:   readCapped(files.stdout, req.OutputLimit),
		Stderr:   readCapped(files.stderr, req.OutputLimit),
		WallTime: wall,
	}

	meta, err := parseIsolateMetaFile(files.meta)
	if err != nil {
		if ctx.Err() != nil {
			result.Status = models.Timeout
			result.ExitCode = -1
			return result, nil
		}
		return nil, &Error{Type: ErrInternal, Message: "failed to parse isolate meta file", Cause: err}
	}
	result.ExitCode = meta.ExitCode
	result.MemoryUsedKb = meta.CGMemKB
	if meta.TimeWall > 0 {
		result.WallTime = time.Duration(meta.TimeWall * float64(time.Second))
	}

	switch {
	case ctx.Err() != nil, meta.Status == "TO":
		result.Status = models.Timeout
	case meta.Status == "XX":
		log.Error("isolate internal error", zap.String("message", meta.Message))
		return nil, &Error{Type: ErrInternal, Message: "isolate internal error: " + meta.Message}
	case meta.Status == "SG", meta.Status == "RE", meta.ExitCode != 0:
		result.Status = models.Failed
		if meta.CGOOMKilled > 0 && result.Stderr == "" {
			result.Stderr = "killed: out of memory"
		}
	default:
		result.Status = models.Success
	}

	log.Debug("isolate execution finished",
		zap.String("status", string(result.Status)),
		zap.Duration("wall", result.WallTime),
		zap.Int("memoryKb", result.MemoryUsedKb),
	)
	return result, nil
}

type boxFiles struct {
	stdin, stdout, stderr, meta string
}

func (f boxFiles) remove() {
	for _, p := range []string{f.stdin, f.stdout, f.stderr, f.meta} {
		_ = os.Remove(p)
	}
}

func (e *IsolateExecutor) hostFiles(boxID, input string) (boxFiles, error) {
	dir := e.config.TempDir
	stdin, err := os.CreateTemp(dir, fmt.Sprintf("isolate_%s_stdin_*.txt", boxID))
	if err != nil {
		return boxFiles{}, &Error{Type: ErrInternal, Message: "failed to create stdin temp file", Cause: err}
	}
	_, werr := stdin.WriteString(input)
	cerr := stdin.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(stdin.Name())
		return boxFiles{}, &Error{Type: ErrInternal, Message: "failed to write stdin temp file", Cause: err}
	}
	base := strings.TrimSuffix(stdin.Name(), ".txt")
	return boxFiles{
		stdin:  stdin.Name(),
		stdout: base + "_stdout.txt",
		stderr: base + "_stderr.txt",
		meta:   base + "_meta.txt",
	}, nil
}

// BoxDir is where the working directory is mounted inside a box.
const BoxDir = "/box"

// SandboxDir maps every working directory to BoxDir.
func (e *IsolateExecutor) SandboxDir(string) string {
	return BoxDir
}

func (e *IsolateExecutor) runArgs(boxID string, req RunRequest, files boxFiles) []string {
	timeLimitSec := req.Timeout.Seconds()
	wallTimeLimitSec := timeLimitSec * e.config.WallTimeFactor
	if wallTimeLimitSec < timeLimitSec+e.config.ExtraTimeSeconds {
		wallTimeLimitSec = timeLimitSec + e.config.ExtraTimeSeconds + 1.0
	}

	args := []string{"--box-id=" + boxID, "--cg"}
	if req.MemoryLimitKb > 0 {
		args = append(args, fmt.Sprintf("--cg-mem=%d", req.MemoryLimitKb))
	}
	if timeLimitSec > 0 {
		args = append(args,
			fmt.Sprintf("--time=%.3f", timeLimitSec),
			fmt.Sprintf("--wall-time=%.3f", wallTimeLimitSec),
			fmt.Sprintf("--extra-time=%.3f", e.config.ExtraTimeSeconds),
		)
	}
	args = append(args,
		fmt.Sprintf("--fsize=%d", e.config.DefaultFsizeKb),
		"--stdin="+files.stdin,
		"--stdout="+files.stdout,
		"--stderr="+files.stderr,
		"--meta="+files.meta,
		"--dir="+BoxDir+"="+filepath.Clean(req.WorkingDirectory)+":rw",
		"--env=PATH="+e.config.EnvPath,
		fmt.Sprintf("--processes=%d", e.config.DefaultProcesses),
		"--run", "--",
	)
	return append(args, req.Command...)
}

func (e *IsolateExecutor) cleanup(boxID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultBoxCleanupTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, e.config.IsolatePath, "--box-id="+boxID, "--cleanup").CombinedOutput()
	if err != nil {
		log.Warn("isolate cleanup failed", zap.ByteString("output", out), zap.Error(err))
	}
}

func readCapped(path string, limit int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := output.NewCappedBuffer(limit)
	_, _ = io.Copy(buf, f)
	return buf.String()
}

// isolateMeta holds parsed data from the isolate --meta file.
type isolateMeta struct {
	TimeSeconds float64 // CPU time
	TimeWall    float64
	CGMemKB     int // peak cgroup memory
	CGOOMKilled int
	ExitCode    int
	Status      string // TO, RE, SG, XX or empty
	Message     string
}

func parseIsolateMetaFile(filePath string) (*isolateMeta, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &isolateMeta{Status: "XX", Message: "meta file not found"}, nil
		}
		return nil, fmt.Errorf("failed to open meta file %s: %w", filePath, err)
	}
	defer file.Close()
	return parseIsolateMeta(file)
}

func parseIsolateMeta(r io.Reader) (*isolateMeta, error) {
	meta := &isolateMeta{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		switch key {
		case "time":
			meta.TimeSeconds, _ = strconv.ParseFloat(value, 64)
		case "time-wall":
			meta.TimeWall, _ = strconv.ParseFloat(value, 64)
		case "cg-mem":
			meta.CGMemKB, _ = strconv.Atoi(value) // already KB
		case "cg-oom-killed":
			meta.CGOOMKilled, _ = strconv.Atoi(value)
		case "exitcode":
			meta.ExitCode, _ = strconv.Atoi(value)
		case "status":
			meta.Status = value
		case "message":
			meta.Message = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading meta file: %w", err)
	}
	return meta, nil
}
