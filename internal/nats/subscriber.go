package nats

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

// SubmissionProcessor handles one judged submission.
type SubmissionProcessor interface {
	HandleSubmission(ctx context.Context, submission models.Submission)
}

// InteractiveProcessor runs one interactive request.
type InteractiveProcessor interface {
	Run(ctx context.Context, req models.InteractiveRequest) (models.ExecutionResult, error)
}

type Subscriber struct {
	nc          *nats.Conn
	cfg         config.NATSConfig
	submissions SubmissionProcessor
	interactive InteractiveProcessor
	log         *zap.Logger
}

// NewSubscriber wires handlers to subjects. Either handler may be nil to
// leave its subject unsubscribed.
func NewSubscriber(nc *nats.Conn, cfg config.NATSConfig, submissions SubmissionProcessor, interactive InteractiveProcessor, log *zap.Logger) *Subscriber {
	return &Subscriber{
		nc:          nc,
		cfg:         cfg,
		submissions: submissions,
		interactive: interactive,
		log:         logger.OrNop(log).Named("subscriber"),
	}
}

// Subscribe joins the queue group on every configured subject. Handlers
// run with ctx, so cancelling it aborts work in flight.
func (s *Subscriber) Subscribe(ctx context.Context) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	if s.submissions != nil {
		sub, err := s.nc.QueueSubscribe(s.cfg.SubmissionCreatedSubj, s.cfg.QueueGroup, func(msg *nats.Msg) {
			s.handleSubmission(ctx, msg.Data)
		})
		if err != nil {
			s.log.Error("subscribe failed", zap.String("subject", s.cfg.SubmissionCreatedSubj), zap.Error(err))
			return subs, err
		}
		subs = append(subs, sub)
		s.log.Info("subscribed", zap.String("subject", s.cfg.SubmissionCreatedSubj), zap.String("queue", s.cfg.QueueGroup))
	}
	if s.interactive != nil {
		sub, err := s.nc.QueueSubscribe(s.cfg.InteractiveSubj, s.cfg.QueueGroup, func(msg *nats.Msg) {
			go func() {
				if err := msg.Respond(s.handleInteractive(ctx, msg.Data)); err != nil {
					s.log.Warn("interactive reply failed", zap.Error(err))
				}
			}()
		})
		if err != nil {
			s.log.Error("subscribe failed", zap.String("subject", s.cfg.InteractiveSubj), zap.Error(err))
			return subs, err
		}
		subs = append(subs, sub)
		s.log.Info("subscribed", zap.String("subject", s.cfg.InteractiveSubj), zap.String("queue", s.cfg.QueueGroup))
	}
	return subs, nil
}

func (s *Subscriber) handleSubmission(ctx context.Context, data []byte) {
	var sub models.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		s.log.Error("invalid submission message", zap.Error(err), zap.Int("size", len(data)))
		return
	}
	s.log.Debug("received submission", zap.String("submissionId", sub.ID))
	go s.submissions.HandleSubmission(ctx, sub)
}

// handleInteractive decodes a request and encodes the reply. Errors the
// runner returns travel in InteractiveReply.Error.
func (s *Subscriber) handleInteractive(ctx context.Context, data []byte) []byte {
	var reply models.InteractiveReply
	var req models.InteractiveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = "invalid request: " + err.Error()
		reply.Result = models.FailedResult(models.KindInternal, reply.Error)
	} else if res, err := s.interactive.Run(ctx, req); err != nil {
		reply.Error = err.Error()
		reply.Result = models.FailedResult(models.KindOf(err), err.Error())
	} else {
		reply.Result = res
	}
	out, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("marshal interactive reply failed", zap.Error(err))
		return []byte(`{"error":"internal error"}`)
	}
	return out
}
