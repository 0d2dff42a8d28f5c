package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/core"
	natsClient "github.com/Mirai3103/sandbox-runner/internal/nats"
	"github.com/Mirai3103/sandbox-runner/internal/session"
	"github.com/Mirai3103/sandbox-runner/internal/worker"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Judge submissions and serve interactive runs over NATS",
	Long: `Connect to NATS, judge submissions from the submission subject and answer
interactive requests until interrupted.

Examples:
  runner serve
  runner serve --metrics-addr :9100`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	st, err := loadStack(reg)
	if err != nil {
		return err
	}
	log := st.log
	defer func() { _ = log.Sync() }()
	log.Info("starting runner service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsCfg := st.cfg.NATS
	nc, err := nats.Connect(natsCfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(natsCfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(natsCfg.ReconnectWaitSec)*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()
	log.Info("connected to NATS", zap.String("url", natsCfg.URL))

	interactive := session.New(st.cfg, st.ephemeral, st.validator, st.metrics, log)
	if pool, ok := interactive.(*session.Pool); ok {
		pool.StartJanitor(ctx, time.Duration(st.cfg.Pool.SweepIntervalSec)*time.Second)
	}

	publisher := natsClient.NewPublisher(nc, natsCfg, log)
	jobs := worker.NewJobHandler(publisher, core.NewRunner(st.ephemeral, st.metrics, log), st.cfg.Runner, log)
	subs, err := natsClient.NewSubscriber(nc, natsCfg, jobs, interactive, log).Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	log.Info("runner service is listening")
	<-ctx.Done()
	log.Info("shutting down runner service")

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn("unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := jobs.Wait(shutdownCtx); err != nil {
		log.Warn("jobs still running at shutdown", zap.Error(err))
	}
	if err := interactive.ShutdownAll(shutdownCtx); err != nil {
		log.Warn("session shutdown failed", zap.Error(err))
	}
	if err := nc.Drain(); err != nil {
		log.Warn("draining NATS connection failed", zap.Error(err))
	}
	return nil
}
