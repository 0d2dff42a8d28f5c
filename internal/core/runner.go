package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/metrics"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

// HiddenPlaceholder replaces every field of a hidden test case that would
// otherwise leak its data.
const HiddenPlaceholder = "[hidden]"

// Runner judges a submission against its test cases.
type Runner struct {
	ephemeral *Ephemeral
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewRunner creates a Runner on top of an Ephemeral executor.
func NewRunner(ephemeral *Ephemeral, m *metrics.Metrics, log *zap.Logger) *Runner {
	return &Runner{
		ephemeral: ephemeral,
		metrics:   m,
		log:       logger.OrNop(log).Named("judge"),
	}
}

// Judge validates and compiles the submission once, then runs every test
// case in order. A failing sample case stops judging. The returned error is
// set only for an unsupported language.
func (r *Runner) Judge(ctx context.Context, sub models.Submission) (scored models.ScoredSubmission, err error) {
	log := r.log.With(zap.String("submissionId", sub.ID), zap.String("language", string(sub.Language)))
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic during judging", zap.Any("panic", rec), zap.Stack("stack"))
			scored, err = failedSubmission(sub, models.KindInternal, fmt.Sprintf("internal error: %v", rec)), nil
		}
		if err == nil {
			r.metrics.ObserveExecution("judge", string(scored.Status), time.Since(start))
			log.Info("submission judged",
				zap.String("status", string(scored.Status)),
				zap.Int("passed", scored.PassedCases),
				zap.Int("total", scored.TotalCases),
				zap.Float64("score", scored.Score),
				zap.Bool("stoppedEarly", scored.StoppedEarly),
			)
		}
	}()

	if _, ok := r.ephemeral.Profile(sub.Language); !ok {
		return models.ScoredSubmission{}, models.WrapError(models.ErrUnsupportedLanguage, models.KindUnsupportedLanguage,
			"no execution profile for language %q", sub.Language)
	}

	if res, rejected := r.ephemeral.check(ctx, sub.Code, sub.Language, log); rejected {
		return failedSubmission(sub, res.Kind, res.Stderr), nil
	}

	prepared, err := r.ephemeral.Prepare(ctx, sub.ID, sub.Language, sub.Code)
	if err != nil {
		var ce *CompileError
		if errors.As(err, &ce) {
			kind := models.KindCompile
			if ce.TimedOut {
				kind = models.KindTimeout
			}
			log.Info("compilation failed", zap.Bool("timedOut", ce.TimedOut))
			return failedSubmission(sub, kind, ce.Output), nil
		}
		log.Error("failed to prepare submission", zap.Error(err))
		return failedSubmission(sub, models.KindOf(err), err.Error()), nil
	}
	defer prepared.Close()

	cases := make([]models.TestCase, len(sub.TestCases))
	copy(cases, sub.TestCases)
	sort.SliceStable(cases, func(i, j int) bool { return cases[i].Order < cases[j].Order })

	scored = models.ScoredSubmission{
		SubmissionID: sub.ID,
		Status:       models.Success,
		TotalCases:   len(cases),
		Results:      make([]models.TestCaseResult, 0, len(cases)),
	}
	for _, tc := range cases {
		scored.TotalPoints += tc.Points
	}

	for _, tc := range cases {
		if ctx.Err() != nil {
			log.Warn("judging interrupted", zap.Error(ctx.Err()))
			scored.Status = models.Timeout
			scored.Kind = models.KindTimeout
			scored.Error = "judging deadline exceeded"
			scored.StoppedEarly = true
			break
		}

		res := prepared.Run(ctx, RunInput{
			TestCaseID:    tc.ID,
			Stdin:         tc.Input,
			TimeLimit:     time.Duration(sub.TimeLimitInMs) * time.Millisecond,
			MemoryLimitKb: sub.MemoryLimitInMb * 1024,
		})
		cr := caseResult(tc, res)
		log.Debug("test case finished",
			zap.String("testCaseId", tc.ID),
			zap.String("status", string(res.Status)),
			zap.Bool("passed", cr.Passed),
			zap.Duration("wall", res.WallTime),
		)

		scored.Results = append(scored.Results, cr)
		scored.WallTime += res.WallTime
		if res.MemoryUsedKb > scored.MaxMemoryKb {
			scored.MaxMemoryKb = res.MemoryUsedKb
		}
		if cr.Passed {
			scored.PassedCases++
			scored.EarnedPoints += cr.EarnedPoints
		} else if tc.IsSample {
			log.Info("sample test case failed, stopping", zap.String("testCaseId", tc.ID))
			scored.StoppedEarly = true
			break
		}
	}

	scored.Score = Score(scored.PassedCases, scored.TotalCases)
	return scored, nil
}

// Passed reports whether a run matches the expected output. Only leading
// and trailing whitespace is ignored.
func Passed(res models.ExecutionResult, expected string) bool {
	return res.Status == models.Success && strings.TrimSpace(res.Stdout) == strings.TrimSpace(expected)
}

// Score is passed/total as a percentage rounded to two decimals. An empty
// test set scores zero.
func Score(passed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(passed)/float64(total)*100*100) / 100
}

func caseResult(tc models.TestCase, res models.ExecutionResult) models.TestCaseResult {
	cr := models.TestCaseResult{
		TestCaseID:   tc.ID,
		Order:        tc.Order,
		IsSample:     tc.IsSample,
		IsHidden:     tc.IsHidden,
		Passed:       Passed(res, tc.ExpectOutput),
		Status:       res.Status,
		Points:       tc.Points,
		Input:        tc.Input,
		ExpectOutput: tc.ExpectOutput,
		Output:       res.Stdout,
		Error:        res.Stderr,
		WallTime:     res.WallTime,
		MemoryUsedKb: res.MemoryUsedKb,
	}
	if cr.Passed {
		cr.EarnedPoints = tc.Points
	}
	if tc.IsHidden {
		cr.Input = HiddenPlaceholder
		cr.ExpectOutput = HiddenPlaceholder
		cr.Output = HiddenPlaceholder
		cr.Error = HiddenPlaceholder
	}
	return cr
}

func failedSubmission(sub models.Submission, kind models.ErrorKind, msg string) models.ScoredSubmission {
	res := models.FailedResult(kind, msg)
	total := 0
	for _, tc := range sub.TestCases {
		total += tc.Points
	}
	return models.ScoredSubmission{
		SubmissionID: sub.ID,
		Status:       res.Status,
		Kind:         kind,
		Error:        msg,
		Results:      []models.TestCaseResult{},
		TotalCases:   len(sub.TestCases),
		TotalPoints:  total,
	}
}
