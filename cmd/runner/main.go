package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/core"
	"github.com/Mirai3103/sandbox-runner/internal/core/sandbox"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/metrics"
	"github.com/Mirai3103/sandbox-runner/internal/security"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "Runner - sandboxed code execution and judging",
	Long: `Runner validates untrusted source code, runs it in throwaway sandboxes,
scores it against test cases and serves interactive sessions through a
kernel gateway.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Directory containing config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stack is the wiring shared by every subcommand.
type stack struct {
	cfg       *config.Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	validator *security.Validator
	ephemeral *core.Ephemeral
}

func loadStack(reg prometheus.Registerer) (*stack, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.LoadConfig(paths...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	executor, err := sandbox.NewExecutor(cfg.Runner, cfg.Isolate, log)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox executor: %w", err)
	}

	m := metrics.New(reg)
	validator := security.New(cfg.Runner.MaxSourceBytes)
	return &stack{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		validator: validator,
		ephemeral: core.NewEphemeral(executor, validator, cfg.Languages, cfg.Runner, m, log),
	}, nil
}
