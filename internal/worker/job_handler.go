// Package worker bounds and drives submission judging.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/masker"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

const defaultSubmissionTimeout = 5 * time.Minute

// Judge scores a submission against its test cases.
type Judge interface {
	Judge(ctx context.Context, sub models.Submission) (models.ScoredSubmission, error)
}

// ResultPublisher delivers results and audit records.
type ResultPublisher interface {
	PublishSubmissionResult(result models.ScoredSubmission) error
	PublishAudit(rec models.AuditRecord) error
}

type JobHandler struct {
	publisher ResultPublisher
	judge     Judge
	sem       *semaphore.Weighted
	slots     int64
	timeout   time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewJobHandler creates a handler that judges at most
// cfg.MaxConcurrentJobs submissions at once (unbounded when <= 0).
func NewJobHandler(publisher ResultPublisher, judge Judge, cfg config.RunnerConfig, log *zap.Logger) *JobHandler {
	log = logger.OrNop(log).Named("worker")
	h := &JobHandler{
		publisher: publisher,
		judge:     judge,
		timeout:   time.Duration(cfg.SubmissionTimeoutSec) * time.Second,
		now:       time.Now,
		log:       log,
	}
	if h.timeout <= 0 {
		h.timeout = defaultSubmissionTimeout
	}
	if cfg.MaxConcurrentJobs > 0 {
		h.slots = int64(cfg.MaxConcurrentJobs)
		h.sem = semaphore.NewWeighted(h.slots)
		log.Info("job handler initialized", zap.Int("maxConcurrentJobs", cfg.MaxConcurrentJobs))
	} else {
		log.Info("job handler initialized without a concurrency limit")
	}
	return h
}

// HandleSubmission judges sub and publishes its result and audit record.
// The per-submission deadline starts once a slot is held.
func (h *JobHandler) HandleSubmission(ctx context.Context, sub models.Submission) {
	log := h.log.With(zap.String("submissionId", sub.ID), zap.String("language", string(sub.Language)))
	if h.sem != nil {
		start := time.Now()
		if err := h.sem.Acquire(ctx, 1); err != nil {
			log.Warn("gave up waiting for a job slot", zap.Error(err))
			return
		}
		defer h.sem.Release(1)
		log.Debug("job slot acquired", zap.Duration("waited", time.Since(start)))
	}

	jobCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	scored, err := h.judge.Judge(jobCtx, sub)
	if err != nil {
		log.Warn("submission could not be judged", zap.Error(err))
		scored = models.ScoredSubmission{
			SubmissionID: sub.ID,
			Status:       models.Failed,
			Kind:         models.KindOf(err),
			Error:        err.Error(),
			TotalCases:   len(sub.TestCases),
		}
	}
	if scored.SubmissionID == "" {
		scored.SubmissionID = sub.ID
	}

	if err := h.publisher.PublishSubmissionResult(scored); err != nil {
		log.Error("publishing result failed", zap.Error(err))
	}
	if err := h.publisher.PublishAudit(models.AuditRecord{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Code:         masker.Mask(sub.Code),
		Status:       scored.Status,
		Score:        scored.Score,
		CreatedAt:    h.now().UTC(),
	}); err != nil {
		log.Warn("publishing audit record failed", zap.Error(err))
	}
	log.Info("submission finished",
		zap.String("status", string(scored.Status)),
		zap.Float64("score", scored.Score),
		zap.Duration("wall", scored.WallTime),
	)
}

// Wait blocks until every running job has finished or ctx ends. An
// unbounded handler does not track jobs and returns at once.
func (h *JobHandler) Wait(ctx context.Context) error {
	if h.sem == nil {
		return nil
	}
	if err := h.sem.Acquire(ctx, h.slots); err != nil {
		return err
	}
	h.sem.Release(h.slots)
	return nil
}
