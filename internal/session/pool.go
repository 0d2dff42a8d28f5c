// Package session runs interactive code in long-lived kernels held by a
// bounded pool, or in local processes when no gateway is configured.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/metrics"
	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/security"
)

// Runner executes interactive code. Pool and LocalRunner implement it.
type Runner interface {
	// Run returns an error only for capacity exhaustion or an unknown
	// kernel type; every other outcome is a result.
	Run(ctx context.Context, req models.InteractiveRequest) (models.ExecutionResult, error)
	Shutdown(ctx context.Context, sessionID string) error
	ShutdownAffinity(ctx context.Context, affinityKey string) error
	ShutdownAll(ctx context.Context) error
}

// Validator is the static check applied to code before it reaches a kernel.
type Validator interface {
	ValidateContext(ctx context.Context, source string, lang models.LanguageID) error
}

// Options bounds a Pool.
type Options struct {
	MaxSessions int
	IdleTimeout time.Duration
	TTL         time.Duration
	ExecTimeout time.Duration
	OutputLimit int
	// Kernels maps kernel types to the language whose rules validate them.
	Kernels map[string]models.LanguageID
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig converts the pool section of the config.
func OptionsFromConfig(cfg config.PoolConfig, kernels map[string]models.LanguageID) Options {
	return Options{
		MaxSessions: cfg.MaxSessions,
		IdleTimeout: time.Duration(cfg.IdleTimeoutSec) * time.Second,
		TTL:         time.Duration(cfg.TTLSec) * time.Second,
		ExecTimeout: time.Duration(cfg.ExecTimeoutSec) * time.Second,
		OutputLimit: cfg.OutputLimitBytes,
		Kernels:     kernels,
	}
}

type entry struct {
	session models.Session
	// inUse counts callers between acquire and release; a swept entry must
	// have none.
	inUse int
	// turn serialises round trips to one kernel.
	turn chan struct{}
}

// Pool owns every live session. All bookkeeping is guarded by mu; remote
// calls are never made while holding it.
type Pool struct {
	gw        Gateway
	validator Validator
	opts      Options
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu       sync.Mutex
	byKey    map[string]string // poolKey(kernel, affinity key) -> session id
	entries  map[string]*entry // session id -> entry
	creating int               // creations in flight, counted against MaxSessions

	group singleflight.Group
}

var _ Runner = (*Pool)(nil)

// NewPool creates an empty pool.
func NewPool(gw Gateway, validator Validator, opts Options, m *metrics.Metrics, log *zap.Logger) *Pool {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Kernels == nil {
		opts.Kernels = config.DefaultKernels()
	}
	return &Pool{
		gw:        gw,
		validator: validator,
		opts:      opts,
		metrics:   m,
		log:       logger.OrNop(log).Named("pool"),
		byKey:     make(map[string]string),
		entries:   make(map[string]*entry),
	}
}

// Run validates the code, obtains a session for the affinity key (creating
// one if needed) and executes the code in it.
func (p *Pool) Run(ctx context.Context, req models.InteractiveRequest) (result models.ExecutionResult, err error) {
	log := p.log.With(zap.String("kernel", req.KernelType), zap.String("affinityKey", req.AffinityKey))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during session run", zap.Any("panic", r), zap.Stack("stack"))
			result, err = models.FailedResult(models.KindInternal, fmt.Sprintf("internal error: %v", r)), nil
		}
		if err == nil {
			p.metrics.ObserveExecution("session", string(result.Status), result.WallTime)
		}
	}()

	lang, ok := p.opts.Kernels[req.KernelType]
	if !ok {
		return models.ExecutionResult{}, models.WrapError(models.ErrUnsupportedLanguage, models.KindUnsupportedLanguage,
			"unknown kernel type %q", req.KernelType)
	}
	if res, rejected := validate(ctx, p.validator, req.Code, lang); rejected {
		log.Info("code rejected by validator", zap.String("reason", res.Stderr))
		p.metrics.ObserveRejection(string(lang))
		return res, nil
	}

	if p.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ExecTimeout)
		defer cancel()
	}

	e, err := p.acquire(ctx, req.KernelType, req.AffinityKey)
	if err != nil {
		if errors.Is(err, models.ErrCapacityExceeded) {
			log.Warn("session pool at capacity")
			return models.ExecutionResult{}, err
		}
		return p.failure(ctx, err, log), nil
	}
	id := e.session.ID
	log = log.With(zap.String("sessionId", id))

	res, err := p.execute(ctx, e, req.Code)
	p.release(e)
	if req.AffinityKey == "" {
		// keyless sessions are single use
		p.evict(context.WithoutCancel(ctx), id, "single_use")
	}
	if err != nil {
		return p.failure(ctx, err, log), nil
	}
	log.Debug("session run finished", zap.String("status", string(res.Status)), zap.Duration("wall", res.WallTime))
	return res, nil
}

func validate(ctx context.Context, v Validator, code string, lang models.LanguageID) (models.ExecutionResult, bool) {
	if v == nil {
		return models.ExecutionResult{}, false
	}
	err := v.ValidateContext(ctx, code, lang)
	if err == nil {
		return models.ExecutionResult{}, false
	}
	var violation *security.Violation
	if errors.As(err, &violation) {
		return models.FailedResult(models.KindForbidden, violation.Error()), true
	}
	return models.FailedResult(models.KindOf(err), err.Error()), true
}

func (p *Pool) failure(ctx context.Context, err error, log *zap.Logger) models.ExecutionResult {
	kind := models.KindOf(err)
	if ctx.Err() != nil {
		kind = models.KindTimeout
	}
	log.Warn("session run failed", zap.String("kind", string(kind)), zap.Error(err))
	if kind == models.KindTimeout {
		return models.FailedResult(kind, "execution timed out")
	}
	return models.FailedResult(kind, err.Error())
}

// execute holds the session's turn for one round trip.
func (p *Pool) execute(ctx context.Context, e *entry, code string) (models.ExecutionResult, error) {
	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		return models.ExecutionResult{}, ctx.Err()
	}
	defer func() { <-e.turn }()

	start := time.Now()
	reply, err := p.gw.Execute(ctx, e.session.ID, code)
	wall := time.Since(start)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	res := Render(reply, p.opts.OutputLimit)
	res.WallTime = wall
	return res, nil
}

// acquire returns a live entry with inUse already incremented.
func (p *Pool) acquire(ctx context.Context, kernelType, key string) (*entry, error) {
	p.Sweep(ctx)

	if key == "" {
		e, err := p.create(ctx, kernelType, "")
		if err != nil {
			return nil, err
		}
		return p.claim(e)
	}

	for attempt := 0; attempt < 3; attempt++ {
		if e := p.lookup(kernelType, key); e != nil {
			alive, err := p.gw.Alive(ctx, e.session.ID)
			if err == nil && alive {
				return e, nil
			}
			p.mu.Lock()
			e.inUse--
			p.mu.Unlock()
			if err != nil {
				return nil, err
			}
			p.log.Info("dropping dead session", zap.String("sessionId", e.session.ID), zap.String("affinityKey", key))
			p.evict(ctx, e.session.ID, "dead")
		}

		v, err, _ := p.group.Do(poolKey(kernelType, key), func() (any, error) {
			if e := p.peek(kernelType, key); e != nil {
				return e, nil
			}
			return p.create(ctx, kernelType, key)
		})
		if err != nil {
			return nil, err
		}
		if e, err := p.claim(v.(*entry)); err == nil {
			return e, nil
		}
		// evicted between creation and claim; go round again
	}
	return nil, models.NewError(models.KindInternal, "could not acquire a session for %q", key)
}

// lookup claims the entry mapped to key, if any.
func (p *Pool) lookup(kernelType, key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.peekLocked(kernelType, key)
	if e != nil {
		e.inUse++
	}
	return e
}

func (p *Pool) peek(kernelType, key string) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peekLocked(kernelType, key)
}

func (p *Pool) peekLocked(kernelType, key string) *entry {
	id, ok := p.byKey[poolKey(kernelType, key)]
	if !ok {
		return nil
	}
	return p.entries[id]
}

// poolKey scopes an affinity key to one kernel type, so a caller may hold
// one session per kernel under the same key.
func poolKey(kernelType, affinityKey string) string {
	return kernelType + "\x00" + affinityKey
}

func (p *Pool) claim(e *entry) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[e.session.ID] != e {
		return nil, errors.New("session was evicted")
	}
	e.inUse++
	return e, nil
}

// create reserves capacity, asks the gateway for a kernel and registers it.
func (p *Pool) create(ctx context.Context, kernelType, key string) (*entry, error) {
	p.mu.Lock()
	if p.opts.MaxSessions > 0 && len(p.entries)+p.creating >= p.opts.MaxSessions {
		p.mu.Unlock()
		p.metrics.CapacityExceeded()
		return nil, models.WrapError(models.ErrCapacityExceeded, models.KindCapacityExceeded,
			"pool holds %d sessions", p.opts.MaxSessions)
	}
	p.creating++
	p.mu.Unlock()

	id, err := p.gw.CreateSession(ctx, kernelType)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		return nil, err
	}

	now := p.opts.Now()
	e := &entry{
		session: models.Session{
			ID:          id,
			KernelType:  kernelType,
			AffinityKey: key,
			CreatedAt:   now,
			LastUsedAt:  now,
		},
		turn: make(chan struct{}, 1),
	}
	p.entries[id] = e
	if key != "" {
		p.byKey[poolKey(kernelType, key)] = id
	}
	p.metrics.SessionCreated(kernelType)
	p.log.Info("session created", zap.String("sessionId", id), zap.String("kernel", kernelType), zap.String("affinityKey", key))
	return e, nil
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.inUse--
	e.session.LastUsedAt = p.opts.Now()
}

// removeLocked drops id from both maps and reports whether it was present.
func (p *Pool) removeLocked(id string) (*entry, bool) {
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	delete(p.entries, id)
	if e.session.AffinityKey != "" {
		k := poolKey(e.session.KernelType, e.session.AffinityKey)
		if p.byKey[k] == id {
			delete(p.byKey, k)
		}
	}
	return e, true
}

func (p *Pool) evict(ctx context.Context, id, reason string) {
	p.mu.Lock()
	_, ok := p.removeLocked(id)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.metrics.SessionEvicted(reason)
	p.deleteRemote(ctx, id, reason)
}

func (p *Pool) deleteRemote(ctx context.Context, id, reason string) {
	if err := p.gw.DeleteSession(ctx, id); err != nil {
		p.log.Warn("remote session shutdown failed", zap.String("sessionId", id), zap.String("reason", reason), zap.Error(err))
		return
	}
	p.log.Info("session evicted", zap.String("sessionId", id), zap.String("reason", reason))
}

// Sweep evicts every idle session past its TTL or idle timeout and
// returns how many were removed. Sessions in use are left alone.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.opts.Now()
	type victim struct{ id, reason string }
	var victims []victim

	p.mu.Lock()
	for id, e := range p.entries {
		if e.inUse > 0 {
			continue
		}
		reason := ""
		switch {
		case p.opts.TTL > 0 && now.Sub(e.session.CreatedAt) > p.opts.TTL:
			reason = "ttl"
		case p.opts.IdleTimeout > 0 && now.Sub(e.session.LastUsedAt) > p.opts.IdleTimeout:
			reason = "idle"
		default:
			continue
		}
		p.removeLocked(id)
		victims = append(victims, victim{id, reason})
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.metrics.SessionEvicted(v.reason)
		p.deleteRemote(ctx, v.id, v.reason)
	}
	return len(victims)
}

// StartJanitor sweeps every interval until ctx ends.
func (p *Pool) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.Sweep(ctx); n > 0 {
					p.log.Debug("janitor swept sessions", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Shutdown removes one session and deletes it remotely.
func (p *Pool) Shutdown(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	_, ok := p.removeLocked(sessionID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.metrics.SessionEvicted("shutdown")
	return p.gw.DeleteSession(ctx, sessionID)
}

// ShutdownAffinity removes every session held under affinityKey, whatever
// its kernel type. Remote failures are joined.
func (p *Pool) ShutdownAffinity(ctx context.Context, affinityKey string) error {
	if affinityKey == "" {
		return nil
	}
	p.mu.Lock()
	var ids []string
	for id, e := range p.entries {
		if e.session.AffinityKey == affinityKey {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		p.removeLocked(id)
	}
	p.mu.Unlock()
	return p.deleteAll(ctx, ids)
}

// ShutdownAll empties the pool. Remote failures are joined.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	for _, id := range ids {
		p.removeLocked(id)
	}
	p.mu.Unlock()
	return p.deleteAll(ctx, ids)
}

func (p *Pool) deleteAll(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		p.metrics.SessionEvicted("shutdown")
		if err := p.gw.DeleteSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Sessions returns a snapshot of the pool ordered by creation time.
func (p *Pool) Sessions() []models.Session {
	p.mu.Lock()
	out := make([]models.Session, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.session)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
