package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/core"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/metrics"
	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/output"
)

// localKernels are the kernel types the local fallback understands.
var localKernels = map[string]models.LanguageID{
	"python3": models.Python,
}

// LocalRunner runs interactive code as one ephemeral process per request.
// No state survives between calls, so affinity keys are ignored.
type LocalRunner struct {
	ephemeral   *core.Ephemeral
	timeout     time.Duration
	outputLimit int
	log         *zap.Logger
}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates the fallback runner. timeout bounds each request
// and outputLimit clips each stream the way the pool does; zero disables it.
func NewLocalRunner(e *core.Ephemeral, timeout time.Duration, outputLimit int, log *zap.Logger) *LocalRunner {
	return &LocalRunner{ephemeral: e, timeout: timeout, outputLimit: outputLimit, log: logger.OrNop(log).Named("local")}
}

func (r *LocalRunner) Run(ctx context.Context, req models.InteractiveRequest) (models.ExecutionResult, error) {
	lang, ok := localKernels[req.KernelType]
	if !ok {
		return models.ExecutionResult{}, models.WrapError(models.ErrUnsupportedLanguage, models.KindUnsupportedLanguage,
			"kernel type %q is not available without a gateway", req.KernelType)
	}
	r.log.Debug("running interactive code locally", zap.String("kernel", req.KernelType))
	res, err := r.ephemeral.Execute(ctx, models.ExecutionRequest{
		Code:      req.Code,
		Language:  lang,
		TimeLimit: r.timeout,
	})
	if err != nil {
		return res, err
	}
	res.Stdout = output.Truncate(res.Stdout, r.outputLimit)
	res.Stderr = output.Truncate(res.Stderr, r.outputLimit)
	return res, nil
}

func (r *LocalRunner) Shutdown(context.Context, string) error         { return nil }
func (r *LocalRunner) ShutdownAffinity(context.Context, string) error { return nil }
func (r *LocalRunner) ShutdownAll(context.Context) error              { return nil }

// New picks the interactive runner for cfg: a gateway-backed pool, or the
// local fallback when the gateway is disabled or has no URL.
func New(cfg *config.Config, e *core.Ephemeral, v Validator, m *metrics.Metrics, log *zap.Logger) Runner {
	log = logger.OrNop(log)
	timeout := time.Duration(cfg.Pool.ExecTimeoutSec) * time.Second
	if cfg.Gateway.Fallback || cfg.Gateway.URL == "" {
		log.Info("interactive execution uses the local fallback")
		return NewLocalRunner(e, timeout, cfg.Pool.OutputLimitBytes, log)
	}

	kernels := cfg.Kernels
	if len(kernels) == 0 {
		kernels = config.DefaultKernels()
	}
	gw := NewHTTPGateway(cfg.Gateway, log)
	log.Info("interactive execution uses the kernel gateway", zap.String("url", cfg.Gateway.URL))
	return NewPool(gw, v, OptionsFromConfig(cfg.Pool, kernels), m, log)
}
