// Package nats carries submissions, results and interactive requests over NATS.
package nats

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	nc            Conn
	resultSubject string
	auditSubject  string
	log           *zap.Logger
}

func NewPublisher(nc Conn, cfg config.NATSConfig, log *zap.Logger) *Publisher {
	return &Publisher{
		nc:            nc,
		resultSubject: cfg.SubmissionResultSubj,
		auditSubject:  cfg.SubmissionAuditSubj,
		log:           logger.OrNop(log).Named("publisher"),
	}
}

// PublishSubmissionResult sends the scored submission on the result subject.
func (p *Publisher) PublishSubmissionResult(result models.ScoredSubmission) error {
	if err := p.publish(p.resultSubject, result); err != nil {
		return err
	}
	p.log.Info("published submission result",
		zap.String("submissionId", result.SubmissionID),
		zap.String("status", string(result.Status)),
		zap.Float64("score", result.Score),
		zap.String("subject", p.resultSubject),
	)
	return nil
}

// PublishAudit sends rec on the audit subject. An empty subject disables auditing.
func (p *Publisher) PublishAudit(rec models.AuditRecord) error {
	if p.auditSubject == "" {
		return nil
	}
	return p.publish(p.auditSubject, rec)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal message failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Error("publish to NATS failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}
