package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Mirai3103/sandbox-runner/internal/models"
)

// Config holds everything the runner service needs.
type Config struct {
	NATS      NATSConfig                                  `mapstructure:"nats"`
	Runner    RunnerConfig                                `mapstructure:"runner"`
	Isolate   IsolateConfig                               `mapstructure:"isolate"`
	Gateway   GatewayConfig                               `mapstructure:"gateway"`
	Pool      PoolConfig                                  `mapstructure:"pool"`
	Log       LogConfig                                   `mapstructure:"log"`
	Languages map[models.LanguageID]models.LanguageProfile `mapstructure:"languages"`

	// Kernels maps a gateway kernel type to the language whose rules validate it.
	Kernels map[string]models.LanguageID `mapstructure:"kernels"`
}

// NATSConfig holds NATS connection and subject settings.
type NATSConfig struct {
	URL                   string `mapstructure:"url"`
	SubmissionCreatedSubj string `mapstructure:"submissionCreatedSubject"`
	SubmissionResultSubj  string `mapstructure:"submissionResultSubject"`
	SubmissionAuditSubj   string `mapstructure:"submissionAuditSubject"`
	InteractiveSubj       string `mapstructure:"interactiveSubject"`
	QueueGroup            string `mapstructure:"queueGroup"`
	MaxReconnects         int    `mapstructure:"maxReconnects"`
	ReconnectWaitSec      int    `mapstructure:"reconnectWaitSec"`
}

// RunnerConfig controls ephemeral execution.
type RunnerConfig struct {
	SandboxBaseDir        string `mapstructure:"sandboxBaseDir"`
	CompilationTimeoutSec int    `mapstructure:"compilationTimeoutSec"`
	DefaultTimeoutSec     int    `mapstructure:"defaultTimeoutSec"`
	MaxConcurrentJobs     int    `mapstructure:"maxConcurrentJobs"`
	SubmissionTimeoutSec  int    `mapstructure:"submissionTimeoutSec"`
	MaxOutputBytes        int    `mapstructure:"maxOutputBytes"`
	MaxSourceBytes        int    `mapstructure:"maxSourceBytes"`
	SandboxType           string `mapstructure:"sandboxType"` // direct | isolate
}

// CompilationTimeout is the fallback compile deadline for profiles without one.
func (c RunnerConfig) CompilationTimeout() time.Duration {
	return time.Duration(c.CompilationTimeoutSec) * time.Second
}

// DefaultTimeout is used when a request carries no time limit.
func (c RunnerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// IsolateConfig holds settings for the isolate sandbox.
type IsolateConfig struct {
	IsolatePath      string  `mapstructure:"isolatePath"`
	EnvPath          string  `mapstructure:"envPath"`
	DefaultFsizeKb   int     `mapstructure:"defaultFsizeKb"`
	DefaultProcesses int     `mapstructure:"defaultProcesses"`
	ExtraTimeSeconds float64 `mapstructure:"extraTimeSeconds"`
	WallTimeFactor   float64 `mapstructure:"wallTimeFactor"`
	TempDir          string  `mapstructure:"tempDir"`
}

// GatewayConfig points at the remote execution gateway.
type GatewayConfig struct {
	URL               string `mapstructure:"url"`
	RequestTimeoutSec int    `mapstructure:"requestTimeoutSec"`
	// Fallback runs interactive code as local processes instead of pooled sessions.
	Fallback bool `mapstructure:"fallback"`
}

// PoolConfig bounds the interactive session pool.
type PoolConfig struct {
	MaxSessions      int `mapstructure:"maxSessions"`
	IdleTimeoutSec   int `mapstructure:"idleTimeoutSec"`
	TTLSec           int `mapstructure:"ttlSec"`
	ExecTimeoutSec   int `mapstructure:"execTimeoutSec"`
	OutputLimitBytes int `mapstructure:"outputLimitBytes"`
	SweepIntervalSec int `mapstructure:"sweepIntervalSec"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LoadConfig reads config.yaml from the given paths (then ./configs, . and
// /etc/runner-service/) and lets RUNNER_* environment variables override it.
func LoadConfig(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for _, path := range configPaths {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runner-service/")

	// RUNNER_POOL_MAXSESSIONS -> pool.maxSessions
	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Languages = MergeLanguages(DefaultLanguages(), cfg.Languages)
	if len(cfg.Kernels) == 0 {
		cfg.Kernels = DefaultKernels()
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.submissionCreatedSubject", "submission.created")
	v.SetDefault("nats.submissionResultSubject", "submission.result")
	v.SetDefault("nats.submissionAuditSubject", "submission.audit")
	v.SetDefault("nats.interactiveSubject", "execution.interactive")
	v.SetDefault("nats.queueGroup", "runner-service-group")
	v.SetDefault("nats.maxReconnects", 5)
	v.SetDefault("nats.reconnectWaitSec", 2)

	v.SetDefault("runner.sandboxBaseDir", "/tmp/runner_sandbox")
	v.SetDefault("runner.compilationTimeoutSec", 30)
	v.SetDefault("runner.defaultTimeoutSec", 5)
	v.SetDefault("runner.maxConcurrentJobs", 100)
	v.SetDefault("runner.submissionTimeoutSec", 300)
	v.SetDefault("runner.maxOutputBytes", 8<<20)
	v.SetDefault("runner.maxSourceBytes", 64<<10)
	v.SetDefault("runner.sandboxType", "direct")

	v.SetDefault("isolate.isolatePath", "isolate")

	v.SetDefault("gateway.url", "http://localhost:8888")
	v.SetDefault("gateway.requestTimeoutSec", 30)
	v.SetDefault("gateway.fallback", false)

	v.SetDefault("pool.maxSessions", 20)
	v.SetDefault("pool.idleTimeoutSec", 600)
	v.SetDefault("pool.ttlSec", 3600)
	v.SetDefault("pool.execTimeoutSec", 30)
	v.SetDefault("pool.outputLimitBytes", 64<<10)
	v.SetDefault("pool.sweepIntervalSec", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.outputPath", "stdout")
}
