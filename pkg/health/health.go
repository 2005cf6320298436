// Package health implements the periodic upstream health prober: batched
// TCP probes, latency measurement, and triggering the pool's reorder step
// after each pass.
package health

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caua1503/forwardproxy/pkg/constants"
	"github.com/caua1503/forwardproxy/pkg/timing"
	"github.com/caua1503/forwardproxy/pkg/upstream"
)

// Result is one upstream's latest probe outcome.
type Result struct {
	// Latency is the most recent successful TCP connect time. Meaningless
	// when Unknown is true.
	Latency time.Duration
	// Unknown is true when the last probe failed outright (no connection).
	Unknown bool
	// Healthy is false when the last probe failed, or succeeded at or above
	// HealthLatencyThreshold.
	Healthy bool
}

// Seconds returns Latency in seconds, rounded to millisecond precision.
func (r Result) Seconds() float64 {
	return float64(r.Latency.Round(time.Millisecond)) / float64(time.Second)
}

// Table is the url -> Result map, guarded per-key like ConcurrencyTable.
type Table struct {
	entries sync.Map // map[string]Result
}

// Get returns the stored result for key. Before any probe has completed
// the result is unknown and unhealthy.
func (t *Table) Get(key string) Result {
	val, ok := t.entries.Load(key)
	if !ok {
		return Result{Unknown: true}
	}
	return val.(Result)
}

func (t *Table) set(key string, r Result) {
	t.entries.Store(key, r)
}

// View adapts Table to upstream.HealthView for Pool.Reorder, avoiding an
// import cycle between pkg/health and pkg/upstream.
func (t *Table) View(key string) upstream.HealthView {
	r := t.Get(key)
	return upstream.HealthView{Unknown: r.Unknown, Seconds: r.Seconds()}
}

// Prober runs periodic health passes over a pool, dialing each upstream's
// host:port and recording connect latency.
type Prober struct {
	pool *upstream.Pool
	tbl  *Table

	batchSize  int
	probeTO    time.Duration
	passPeriod time.Duration
	logger     *zap.Logger
	dial       func(ctx context.Context, addr string) (net.Conn, error)
}

// Option configures a Prober at construction.
type Option func(*Prober)

// WithBatchSize overrides the default concurrent-probe batch size.
func WithBatchSize(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithProbeTimeout overrides the default per-probe connect timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.probeTO = d
		}
	}
}

// WithPassPeriod overrides the default period between health passes.
func WithPassPeriod(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.passPeriod = d
		}
	}
}

// WithLogger attaches a zap logger for pass-level warnings.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProber builds a Prober over pool, storing results in tbl.
func NewProber(pool *upstream.Pool, tbl *Table, opts ...Option) *Prober {
	p := &Prober{
		pool:       pool,
		tbl:        tbl,
		batchSize:  constants.DefaultHealthBatchSize,
		probeTO:    constants.DefaultHealthProbeTimeout,
		passPeriod: constants.DefaultHealthPassInterval,
		logger:     zap.NewNop(),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes health passes every passPeriod until ctx is cancelled. It
// runs an initial pass immediately rather than waiting one period first.
func (p *Prober) Run(ctx context.Context) {
	p.runPass(ctx)

	ticker := time.NewTicker(p.passPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runPass(ctx)
		}
	}
}

// runPass probes the whole pool in batches of batchSize, writes results
// into the table, and reorders the pool once every batch has completed.
func (p *Prober) runPass(ctx context.Context) {
	descriptors := p.pool.Descriptors()

	healthy := 0
	for start := 0; start < len(descriptors); start += p.batchSize {
		end := start + p.batchSize
		if end > len(descriptors) {
			end = len(descriptors)
		}
		healthy += p.probeBatch(ctx, descriptors[start:end])
	}

	if healthy == 0 && len(descriptors) > 0 {
		p.logger.Warn("no healthy upstreams found after health pass")
	}

	p.pool.Reorder(p.tbl.View)
}

func (p *Prober) probeBatch(ctx context.Context, batch []*upstream.Descriptor) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	healthy := 0

	for _, d := range batch {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := p.probeOne(ctx, d)
			p.tbl.set(d.Key(), result)
			if result.Healthy {
				mu.Lock()
				healthy++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return healthy
}

func (p *Prober) probeOne(ctx context.Context, d *upstream.Descriptor) Result {
	host, port := d.HostPort()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTO)
	defer cancel()

	timer := timing.NewTimer()
	conn, err := p.dial(probeCtx, addr)
	if err != nil {
		return Result{Unknown: true, Healthy: false}
	}
	timer.EndConnect()
	_ = conn.Close()

	latency := timer.Metrics().Connect
	healthy := latency < constants.HealthLatencyThreshold
	return Result{Latency: latency, Healthy: healthy}
}
