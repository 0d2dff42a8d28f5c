package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/core/sandbox"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/metrics"
	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/security"
)

const defaultCompileTimeout = 30 * time.Second

// Validator is the static check run before anything executes.
type Validator interface {
	ValidateContext(ctx context.Context, source string, lang models.LanguageID) error
}

// Ephemeral compiles and runs one-shot programs in throwaway directories.
type Ephemeral struct {
	executor  sandbox.Executor
	validator Validator
	languages map[models.LanguageID]models.LanguageProfile
	cfg       config.RunnerConfig
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewEphemeral creates an Ephemeral executor. metrics and log may be nil.
func NewEphemeral(
	executor sandbox.Executor,
	validator Validator,
	languages map[models.LanguageID]models.LanguageProfile,
	cfg config.RunnerConfig,
	m *metrics.Metrics,
	log *zap.Logger,
) *Ephemeral {
	return &Ephemeral{
		executor:  executor,
		validator: validator,
		languages: languages,
		cfg:       cfg,
		metrics:   m,
		log:       logger.OrNop(log).Named("ephemeral"),
	}
}

// Profile returns the language profile for id.
func (e *Ephemeral) Profile(id models.LanguageID) (models.LanguageProfile, bool) {
	p, ok := e.languages[id]
	return p, ok
}

// Execute validates, compiles (if needed) and runs req once. The only
// returned error is an unsupported language; every other outcome,
// including internal faults, is an ExecutionResult.
func (e *Ephemeral) Execute(ctx context.Context, req models.ExecutionRequest) (result models.ExecutionResult, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := e.log.With(zap.String("executionId", req.ID), zap.String("language", string(req.Language)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during execution", zap.Any("panic", r), zap.Stack("stack"))
			result, err = models.FailedResult(models.KindInternal, fmt.Sprintf("internal error: %v", r)), nil
		}
		if err == nil {
			e.metrics.ObserveExecution("ephemeral", string(result.Status), result.WallTime)
		}
	}()

	if _, ok := e.languages[req.Language]; !ok {
		return models.ExecutionResult{}, models.WrapError(models.ErrUnsupportedLanguage, models.KindUnsupportedLanguage,
			"no execution profile for language %q", req.Language)
	}

	if res, rejected := e.check(ctx, req.Code, req.Language, log); rejected {
		return res, nil
	}

	prepared, err := e.Prepare(ctx, req.ID, req.Language, req.Code)
	if err != nil {
		return e.prepareFailure(err, log), nil
	}
	defer prepared.Close()

	return prepared.Run(ctx, RunInput{
		Stdin:         req.Stdin,
		TimeLimit:     req.TimeLimit,
		MemoryLimitKb: req.MemoryLimitMB * 1024,
	}), nil
}

// check runs the validator. rejected is true when execution must not start.
func (e *Ephemeral) check(ctx context.Context, code string, lang models.LanguageID, log *zap.Logger) (models.ExecutionResult, bool) {
	if e.validator == nil {
		return models.ExecutionResult{}, false
	}
	err := e.validator.ValidateContext(ctx, code, lang)
	if err == nil {
		return models.ExecutionResult{}, false
	}
	var v *security.Violation
	if errors.As(err, &v) {
		log.Info("submission rejected by validator", zap.Strings("reasons", v.Reasons))
		e.metrics.ObserveRejection(string(lang))
		return models.FailedResult(models.KindForbidden, v.Error()), true
	}
	// Languages without rules are not executed either.
	log.Warn("validation failed", zap.Error(err))
	return models.FailedResult(models.KindOf(err), err.Error()), true
}

func (e *Ephemeral) prepareFailure(err error, log *zap.Logger) models.ExecutionResult {
	var ce *CompileError
	if errors.As(err, &ce) {
		log.Info("compilation failed", zap.Bool("timedOut", ce.TimedOut))
		if ce.TimedOut {
			return models.FailedResult(models.KindTimeout, ce.Output)
		}
		r := models.FailedResult(models.KindCompile, ce.Output)
		r.ExitCode = ce.ExitCode
		return r
	}
	log.Error("failed to prepare execution", zap.Error(err))
	return models.FailedResult(models.KindOf(err), err.Error())
}

// CompileError reports a failed or timed-out compile step.
type CompileError struct {
	Output   string
	ExitCode int
	TimedOut bool
}

func (e *CompileError) Error() string {
	if e.TimedOut {
		return "compilation timed out"
	}
	return "compilation failed: " + e.Output
}

// Prepared is a workspace with source written and, for compiled languages,
// the artifact built. It can be run many times and must be closed.
type Prepared struct {
	ID      string
	Profile models.LanguageProfile
	Dir     string
	Command []string

	e *Ephemeral
}

// Prepare creates the workspace for one submission and compiles it.
// A compile failure is returned as *CompileError and the workspace is
// already removed.
func (e *Ephemeral) Prepare(ctx context.Context, id string, lang models.LanguageID, code string) (*Prepared, error) {
	profile, ok := e.languages[lang]
	if !ok {
		return nil, models.WrapError(models.ErrUnsupportedLanguage, models.KindUnsupportedLanguage,
			"no execution profile for language %q", lang)
	}
	if e.executor == nil {
		return nil, models.NewError(models.KindInternal, "no sandbox executor configured")
	}

	base := e.cfg.SandboxBaseDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, models.WrapError(err, models.KindInternal, "failed to create sandbox base dir")
	}
	dir, err := os.MkdirTemp(base, "exec-")
	if err != nil {
		return nil, models.WrapError(err, models.KindInternal, "failed to create temp environment")
	}
	p := &Prepared{ID: id, Profile: profile, Dir: dir, e: e}
	done := false
	defer func() {
		if !done {
			p.Close()
		}
	}()

	sourceFile := profile.SourceFile
	if sourceFile == "" {
		sourceFile = "main"
	}
	if err := os.WriteFile(filepath.Join(dir, sourceFile), []byte(code), 0o644); err != nil {
		return nil, models.WrapError(err, models.KindInternal, "failed to write source code")
	}

	// commands see the workspace where the executor mounts it
	visible := sandbox.SandboxDir(e.executor, dir)
	vars := commandVars{
		SourceFile: filepath.Join(visible, sourceFile),
		Executable: filepath.Join(visible, binaryName(profile)),
		TempDir:    visible,
	}

	if profile.Compiled() {
		if err := e.compile(ctx, p, vars); err != nil {
			return nil, err
		}
	}

	p.Command, err = expandCommand(profile.RunCommand, vars)
	if err != nil {
		return nil, models.WrapError(err, models.KindInternal, "invalid run command for %q", lang)
	}
	done = true
	return p, nil
}

func binaryName(p models.LanguageProfile) string {
	if p.BinaryFile != "" {
		return p.BinaryFile
	}
	return "executable"
}

func (e *Ephemeral) compile(ctx context.Context, p *Prepared, vars commandVars) error {
	cmd, err := expandCommand(p.Profile.CompileCommand, vars)
	if err != nil {
		return models.WrapError(err, models.KindInternal, "invalid compile command for %q", p.Profile.ID)
	}
	timeout := time.Duration(p.Profile.CompileTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = e.cfg.CompilationTimeout()
	}
	if timeout <= 0 {
		timeout = defaultCompileTimeout
	}

	log := e.log.With(zap.String("executionId", p.ID), zap.Strings("command", cmd))
	log.Debug("compiling")
	res, err := e.executor.Execute(ctx, sandbox.RunRequest{
		ExecutionID:      p.ID,
		Command:          cmd,
		WorkingDirectory: p.Dir,
		Timeout:          timeout,
		OutputLimit:      e.cfg.MaxOutputBytes,
	})
	if err != nil {
		return models.WrapError(err, models.KindInternal, "compiler could not be started")
	}
	switch res.Status {
	case models.Success:
		log.Debug("compilation finished", zap.Duration("wall", res.WallTime))
		return nil
	case models.Timeout:
		return &CompileError{Output: res.Stderr + res.Stdout, ExitCode: -1, TimedOut: true}
	default:
		return &CompileError{Output: res.Stderr + res.Stdout, ExitCode: res.ExitCode}
	}
}

// RunInput parameterises one run of a Prepared workspace.
type RunInput struct {
	TestCaseID    string
	Stdin         string
	TimeLimit     time.Duration
	MemoryLimitKb int
}

// Run executes the prepared program once. WallTime covers the run only.
func (p *Prepared) Run(ctx context.Context, in RunInput) models.ExecutionResult {
	timeout := ClampTimeout(in.TimeLimit, p.e.cfg.DefaultTimeout(), p.Profile.TimeoutCeiling())
	res, err := p.e.executor.Execute(ctx, sandbox.RunRequest{
		ExecutionID:      p.ID,
		TestCaseID:       in.TestCaseID,
		Command:          p.Command,
		WorkingDirectory: p.Dir,
		Input:            in.Stdin,
		Timeout:          timeout,
		MemoryLimitKb:    in.MemoryLimitKb,
		OutputLimit:      p.e.cfg.MaxOutputBytes,
	})
	if err != nil {
		p.e.log.Error("sandbox execution failed",
			zap.String("executionId", p.ID), zap.String("testCaseId", in.TestCaseID), zap.Error(err))
		return models.FailedResult(models.KindInternal, fmt.Sprintf("sandbox execution failed: %v", err))
	}

	out := models.ExecutionResult{
		Status:       res.Status,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		ExitCode:     res.ExitCode,
		WallTime:     res.WallTime,
		MemoryUsedKb: res.MemoryUsedKb,
	}
	switch res.Status {
	case models.Timeout:
		out.Kind = models.KindTimeout
	case models.Failed:
		out.Kind = models.KindRuntime
	}
	return out
}

// Close removes the workspace.
func (p *Prepared) Close() {
	if p == nil || p.Dir == "" {
		return
	}
	if err := os.RemoveAll(p.Dir); err != nil {
		p.e.log.Warn("failed to remove temp directory", zap.String("dir", p.Dir), zap.Error(err))
	}
}

// ClampTimeout resolves the effective run timeout: the requested limit, or
// def when none was requested, never above the ceiling.
func ClampTimeout(requested, def, ceiling time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = def
	}
	if ceiling > 0 && (t <= 0 || t > ceiling) {
		t = ceiling
	}
	return t
}
