package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Mirai3103/sandbox-runner/internal/metrics"
	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/security"
)

// fakeGateway keeps kernels in memory. Execute echoes the code back as
// stream output unless reply is set.
type fakeGateway struct {
	mu      sync.Mutex
	next    int
	live    map[string]bool
	created atomic.Int32
	deleted []string

	createDelay time.Duration
	createErr   error
	aliveErr    error
	reply       func(id, code string) (*ExecuteReply, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{live: make(map[string]bool)}
}

func (g *fakeGateway) CreateSession(ctx context.Context, kernelType string) (string, error) {
	if g.createDelay > 0 {
		time.Sleep(g.createDelay)
	}
	if g.createErr != nil {
		return "", g.createErr
	}
	g.created.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("%s-%d", kernelType, g.next)
	g.live[id] = true
	return id, nil
}

func (g *fakeGateway) Alive(_ context.Context, id string) (bool, error) {
	if g.aliveErr != nil {
		return false, g.aliveErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live[id], nil
}

func (g *fakeGateway) DeleteSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.live, id)
	g.deleted = append(g.deleted, id)
	return nil
}

func (g *fakeGateway) Execute(_ context.Context, id, code string) (*ExecuteReply, error) {
	if g.reply != nil {
		return g.reply(id, code)
	}
	return &ExecuteReply{Outputs: []Output{{OutputType: "stream", Name: "stdout", Text: multiline(id + ":" + code)}}}, nil
}

func (g *fakeGateway) kill(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live[id] = false
}

func (g *fakeGateway) deletedIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deleted...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(gw Gateway, clock *fakeClock, mutate func(*Options)) *Pool {
	opts := Options{
		MaxSessions: 2,
		IdleTimeout: 10 * time.Minute,
		TTL:         time.Hour,
		ExecTimeout: 5 * time.Second,
		OutputLimit: 1024,
		Now:         clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewPool(gw, security.New(0), opts, nil, nil)
}

func run(t *testing.T, p *Pool, key, code string) models.ExecutionResult {
	t.Helper()
	res, err := p.Run(context.Background(), models.InteractiveRequest{Code: code, KernelType: "python3", AffinityKey: key})
	require.NoError(t, err)
	return res
}

func TestPoolReusesSessionForAffinityKey(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(gw, clock, nil)

	first := run(t, p, "u1", "x = 1")
	second := run(t, p, "u1", "print(x)")
	require.Equal(t, models.Success, first.Status)
	require.Equal(t, "python3-1:x = 1", first.Stdout)
	require.Equal(t, "python3-1:print(x)", second.Stdout)
	require.EqualValues(t, 1, gw.created.Load())

	other := run(t, p, "u2", "y")
	require.Equal(t, "python3-2:y", other.Stdout)
	require.Len(t, p.Sessions(), 2)
}

func TestPoolRejectsForbiddenCodeBeforeSession(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, &fakeClock{now: time.Unix(0, 0)}, nil)

	res := run(t, p, "u1", "import subprocess\nsubprocess.run(['ls'])")
	require.Equal(t, models.Forbidden, res.Status)
	require.Equal(t, models.KindForbidden, res.Kind)
	require.Zero(t, gw.created.Load())
}

func TestPoolUnknownKernel(t *testing.T) {
	p := newTestPool(newFakeGateway(), &fakeClock{}, nil)
	_, err := p.Run(context.Background(), models.InteractiveRequest{Code: "1", KernelType: "ruby", AffinityKey: "k"})
	require.ErrorIs(t, err, models.ErrUnsupportedLanguage)
}

func TestPoolIdleSessionIsReplaced(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(gw, clock, nil)

	run(t, p, "u1", "a")
	clock.Advance(10*time.Minute + time.Second)
	res := run(t, p, "u1", "b")

	require.Equal(t, "python3-2:b", res.Stdout)
	require.Equal(t, []string{"python3-1"}, gw.deletedIDs())
}

func TestPoolUseRefreshesIdleButNotTTL(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := newTestPool(gw, clock, nil)

	run(t, p, "u1", "a")
	for i := 0; i < 6; i++ {
		clock.Advance(9 * time.Minute)
		require.Equal(t, "python3-1:x", run(t, p, "u1", "x").Stdout)
	}
	// 54 minutes of regular use; crossing the hour ends the session.
	clock.Advance(7 * time.Minute)
	require.Equal(t, "python3-2:x", run(t, p, "u1", "x").Stdout)
}

func TestPoolCapacityExceeded(t *testing.T) {
	gw := newFakeGateway()
	m := metrics.New(nil)
	p := NewPool(gw, nil, Options{MaxSessions: 2, Now: (&fakeClock{}).Now}, m, nil)

	run(t, p, "u1", "a")
	run(t, p, "u2", "b")
	_, err := p.Run(context.Background(), models.InteractiveRequest{Code: "c", KernelType: "python3", AffinityKey: "u3"})
	require.ErrorIs(t, err, models.ErrCapacityExceeded)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CapacityRejection))
	require.Len(t, p.Sessions(), 2)

	// existing keys keep working at capacity
	require.Equal(t, "python3-1:d", run(t, p, "u1", "d").Stdout)

	require.NoError(t, p.ShutdownAffinity(context.Background(), "u2"))
	require.Equal(t, "python3-3:c", run(t, p, "u3", "c").Stdout)
}

func TestPoolReplacesDeadSession(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, &fakeClock{now: time.Unix(0, 0)}, nil)

	run(t, p, "u1", "a")
	gw.kill("python3-1")
	res := run(t, p, "u1", "b")
	require.Equal(t, "python3-2:b", res.Stdout)
	require.Len(t, p.Sessions(), 1)
}

func TestPoolConcurrentFirstUseCreatesOnce(t *testing.T) {
	gw := newFakeGateway()
	gw.createDelay = 50 * time.Millisecond
	p := newTestPool(gw, &fakeClock{now: time.Unix(0, 0)}, func(o *Options) { o.MaxSessions = 10 })

	var wg sync.WaitGroup
	results := make([]models.ExecutionResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Run(context.Background(), models.InteractiveRequest{Code: "c", KernelType: "python3", AffinityKey: "shared"})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, gw.created.Load())
	for _, res := range results {
		require.Equal(t, "python3-1:c", res.Stdout)
	}
}

func TestPoolSerialisesRunsOnOneSession(t *testing.T) {
	gw := newFakeGateway()
	var active, peak atomic.Int32
	gw.reply = func(id, code string) (*ExecuteReply, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return &ExecuteReply{Outputs: []Output{}}, nil
	}
	p := newTestPool(gw, &fakeClock{now: time.Unix(0, 0)}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Run(context.Background(), models.InteractiveRequest{Code: "c", KernelType: "python3", AffinityKey: "k"})
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, peak.Load())
}

func TestPoolMalformedReply(t *testing.T) {
	gw := newFakeGateway()
	gw.reply = func(string, string) (*ExecuteReply, error) {
		return nil, malformed(errors.New("response has no outputs"))
	}
	p := newTestPool(gw, &fakeClock{}, nil)

	res := run(t, p, "u1", "1")
	require.Equal(t, models.Failed, res.Status)
	require.Equal(t, models.KindMalformedResponse, res.Kind)
}

func TestPoolGatewayUnreachable(t *testing.T) {
	gw := newFakeGateway()
	gw.createErr = unavailable(errors.New("connection refused"))
	p := newTestPool(gw, &fakeClock{}, nil)

	res := run(t, p, "u1", "1")
	require.Equal(t, models.Failed, res.Status)
	require.Equal(t, models.KindGatewayUnavailable, res.Kind)
	require.Empty(t, p.Sessions())
}

func TestPoolExecutionTimeout(t *testing.T) {
	gw := newFakeGateway()
	gw.reply = func(string, string) (*ExecuteReply, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, models.NewError(models.KindTimeout, "gateway call timed out")
	}
	p := newTestPool(gw, &fakeClock{}, func(o *Options) { o.ExecTimeout = 20 * time.Millisecond })

	res := run(t, p, "u1", "while True: pass")
	require.Equal(t, models.Timeout, res.Status)
	require.Equal(t, models.KindTimeout, res.Kind)
}

func TestPoolTruncatesOutput(t *testing.T) {
	gw := newFakeGateway()
	gw.reply = func(string, string) (*ExecuteReply, error) {
		return &ExecuteReply{Outputs: []Output{{OutputType: "stream", Text: multiline(strings.Repeat("x", 5000))}}}, nil
	}
	p := newTestPool(gw, &fakeClock{}, func(o *Options) { o.OutputLimit = 100 })

	res := run(t, p, "u1", "print('x'*5000)")
	require.True(t, strings.HasSuffix(res.Stdout, "... (truncated)"))
	require.Less(t, len(res.Stdout), 200)
}

func TestPoolKeylessSessionsAreSingleUse(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, &fakeClock{}, nil)

	run(t, p, "", "a")
	run(t, p, "", "b")
	require.EqualValues(t, 2, gw.created.Load())
	require.Empty(t, p.Sessions())
	require.Equal(t, []string{"python3-1", "python3-2"}, gw.deletedIDs())
}

func TestPoolShutdown(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, &fakeClock{}, func(o *Options) { o.MaxSessions = 5 })

	run(t, p, "u1", "a")
	run(t, p, "u2", "b")
	run(t, p, "u3", "c")

	require.NoError(t, p.Shutdown(context.Background(), "python3-1"))
	require.NoError(t, p.Shutdown(context.Background(), "missing"))
	require.Len(t, p.Sessions(), 2)

	require.NoError(t, p.ShutdownAll(context.Background()))
	require.Empty(t, p.Sessions())
	require.ElementsMatch(t, []string{"python3-1", "python3-2", "python3-3"}, gw.deletedIDs())
}

func TestPoolKeepsOneSessionPerKernelUnderSameKey(t *testing.T) {
	gw := newFakeGateway()
	p := newTestPool(gw, &fakeClock{now: time.Unix(1000, 0)}, func(o *Options) { o.MaxSessions = 4 })
	runKernel := func(kernel, code string) models.ExecutionResult {
		t.Helper()
		res, err := p.Run(context.Background(), models.InteractiveRequest{Code: code, KernelType: kernel, AffinityKey: "lesson-1"})
		require.NoError(t, err)
		require.Equal(t, models.Success, res.Status, res.Stderr)
		return res
	}

	require.Equal(t, "python3-1:x = 1", runKernel("python3", "x = 1").Stdout)
	require.Equal(t, "sql-2:SELECT 1", runKernel("sql", "SELECT 1").Stdout)
	require.Equal(t, "python3-1:print(x)", runKernel("python3", "print(x)").Stdout)
	require.Equal(t, "sql-2:SELECT 2", runKernel("sql", "SELECT 2").Stdout)
	require.EqualValues(t, 2, gw.created.Load())
	require.Len(t, p.Sessions(), 2)

	require.NoError(t, p.ShutdownAffinity(context.Background(), "lesson-1"))
	require.Empty(t, p.Sessions())
	require.ElementsMatch(t, []string{"python3-1", "sql-2"}, gw.deletedIDs())

	require.Equal(t, "python3-3:y = 2", runKernel("python3", "y = 2").Stdout)
	require.EqualValues(t, 3, gw.created.Load())
	require.Len(t, p.Sessions(), 1)
}

func TestPoolSweepSkipsSessionsInUse(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Unix(0, 0)}
	release := make(chan struct{})
	started := make(chan struct{})
	gw.reply = func(id, code string) (*ExecuteReply, error) {
		if code == "block" {
			close(started)
			<-release
		}
		return &ExecuteReply{Outputs: []Output{}}, nil
	}
	p := newTestPool(gw, clock, func(o *Options) { o.ExecTimeout = 0 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run(context.Background(), models.InteractiveRequest{Code: "block", KernelType: "python3", AffinityKey: "busy"})
	}()
	<-started

	clock.Advance(2 * time.Hour)
	require.Zero(t, p.Sweep(context.Background()))
	close(release)
	<-done
	require.Equal(t, 1, p.Sweep(context.Background()))
	require.Empty(t, p.Sessions())
}

func TestPoolMetrics(t *testing.T) {
	gw := newFakeGateway()
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := metrics.New(nil)
	p := NewPool(gw, nil, Options{MaxSessions: 3, IdleTimeout: time.Minute, Now: clock.Now}, m, nil)

	run(t, p, "u1", "a")
	run(t, p, "u2", "b")
	require.Equal(t, 2.0, testutil.ToFloat64(m.SessionsLive))
	require.Equal(t, 2.0, testutil.ToFloat64(m.SessionsCreated.WithLabelValues("python3")))

	clock.Advance(2 * time.Minute)
	require.Equal(t, 2, p.Sweep(context.Background()))
	require.Equal(t, 0.0, testutil.ToFloat64(m.SessionsLive))
	require.Equal(t, 2.0, testutil.ToFloat64(m.SessionsEvicted.WithLabelValues("idle")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Executions.WithLabelValues("session", "success")))
}
