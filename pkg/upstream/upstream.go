// Package upstream holds the manager's upstream pool: descriptor
// normalization, deduplication, live per-URL concurrency counters, and the
// least-loaded selection algorithm.
package upstream

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/caua1503/forwardproxy/pkg/constants"
	"github.com/caua1503/forwardproxy/pkg/perrors"
)

// Credential is the optional user:pass pair extracted from an upstream URL's
// userinfo during normalization.
type Credential struct {
	Username string
	Password string
}

// Descriptor describes one upstream proxy. URL's network location never
// carries userinfo after normalization; credentials, if any, live in
// Credentials.
type Descriptor struct {
	URL            *url.URL
	MaxConnections int
	Priority       int
	Credentials    *Credential
}

// Key returns the normalized URL string used to identify this descriptor
// across the pool, the concurrency table, and the per-URL lock map.
func (d *Descriptor) Key() string {
	return d.URL.String()
}

// HostPort returns the dial target for this upstream, defaulting the port
// to 80 when the URL carries none.
func (d *Descriptor) HostPort() (host string, port int) {
	host = d.URL.Hostname()
	if p := d.URL.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}
	if port == 0 {
		port = 80
	}
	return host, port
}

// ParseDescriptor normalizes a raw upstream URL string: a missing scheme
// gets "http://" prepended, and userinfo is extracted into Credentials and
// stripped from the URL. maxConnections and priority fall back to the
// package defaults when non-positive / unset.
func ParseDescriptor(raw string, maxConnections, priority int) (*Descriptor, error) {
	if raw == "" {
		return nil, perrors.NewConfigError("upstream URL must not be empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, perrors.NewConfigError("invalid upstream URL " + raw + ": " + err.Error())
	}
	if u.Hostname() == "" {
		return nil, perrors.NewConfigError("upstream URL " + raw + " has no host")
	}

	var cred *Credential
	if u.User != nil {
		password, _ := u.User.Password()
		cred = &Credential{Username: u.User.Username(), Password: password}
		u.User = nil
	}

	if maxConnections <= 0 {
		maxConnections = constants.DefaultUpstreamMaxConnections
	}
	if priority == 0 {
		priority = constants.DefaultUpstreamPriority
	}

	return &Descriptor{
		URL:            u,
		MaxConnections: maxConnections,
		Priority:       priority,
		Credentials:    cred,
	}, nil
}

// upstreamState is the per-URL live state: the concurrency counter and the
// lock guarding it, created lazily and kept stable for the process
// lifetime.
type upstreamState struct {
	mu         sync.Mutex
	concurrent int
}

// Pool is an ordered, deduplicated sequence of upstream descriptors plus
// their live concurrency counters. The order is advisory: readers may
// observe any recently-committed order while Reorder runs concurrently.
type Pool struct {
	orderMu sync.Mutex // guards order replacement
	order   []*Descriptor

	states sync.Map // map[string]*upstreamState, first-touch per URL
}

// NewPool builds a Pool from descriptors, deduplicating by normalized URL
// and preserving first-seen order.
func NewPool(descriptors []*Descriptor) *Pool {
	p := &Pool{}
	seen := make(map[string]struct{}, len(descriptors))
	order := make([]*Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		key := d.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		order = append(order, d)
		p.stateFor(key)
	}
	p.order = order
	return p
}

// AppendIfAbsent appends d to the pool unless an entry with the same
// normalized URL already exists. Used by manager construction to fold in a
// co-hosted edge proxy as an upstream, after loop-prevention has already
// been decided by the caller.
func (p *Pool) AppendIfAbsent(d *Descriptor) {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	for _, existing := range p.order {
		if existing.Key() == d.Key() {
			return
		}
	}
	p.order = append(p.order, d)
	p.stateFor(d.Key())
}

func (p *Pool) stateFor(key string) *upstreamState {
	val, _ := p.states.LoadOrStore(key, &upstreamState{})
	return val.(*upstreamState)
}

// snapshot copies the current pool order. Selection reads may observe any
// recently-committed order while Reorder runs concurrently.
func (p *Pool) snapshot() []*Descriptor {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()
	out := make([]*Descriptor, len(p.order))
	copy(out, p.order)
	return out
}

// Len reports the number of upstreams currently in the pool.
func (p *Pool) Len() int {
	return len(p.snapshot())
}

// Increment records a request dispatched to the upstream at key. It must be
// called before the upstream TCP connect.
func (p *Pool) Increment(key string) {
	st := p.stateFor(key)
	st.mu.Lock()
	st.concurrent++
	st.mu.Unlock()
}

// Decrement records a request's completion against the upstream at key.
// Saturates at 0; safe to call even if Increment was never observed for
// this key (e.g. an upstream removed mid-flight).
func (p *Pool) Decrement(key string) {
	st := p.stateFor(key)
	st.mu.Lock()
	if st.concurrent > 0 {
		st.concurrent--
	}
	st.mu.Unlock()
}

// Concurrent returns the live concurrency count for key.
func (p *Pool) Concurrent(key string) int {
	st := p.stateFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.concurrent
}

// Choose implements least-loaded selection: the first upstream found with
// zero live concurrency and headroom is returned immediately; otherwise the
// upstream with the smallest load ratio wins, ties broken by earlier pool
// position.
func (p *Pool) Choose() (*Descriptor, error) {
	order := p.snapshot()
	if len(order) == 0 {
		return nil, perrors.NewNoUpstreamError()
	}

	var best *Descriptor
	bestRatio := math.Inf(1)

	for _, d := range order {
		cap := d.MaxConnections
		if cap < 1 {
			cap = 1
		}
		current := p.Concurrent(d.Key())
		ratio := float64(current) / float64(cap)

		if ratio == 0 && current < d.MaxConnections {
			return d, nil
		}
		if ratio < bestRatio {
			bestRatio = ratio
			best = d
		}
	}

	if best == nil {
		best = order[0]
	}
	return best, nil
}

// HealthView is the subset of a health.Result that Reorder needs, kept in
// this package to avoid an import cycle with pkg/health (which imports
// pkg/upstream for Descriptor).
type HealthView struct {
	Unknown bool
	Seconds float64
}

// Reorder recomputes the pool order under the single pool-ordering lock:
// unknown latency sorts last, then ascending latency, then ascending
// priority, then descending max_connections.
func (p *Pool) Reorder(health func(key string) HealthView) {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()

	sort.SliceStable(p.order, func(i, j int) bool {
		a, b := p.order[i], p.order[j]
		ha, hb := health(a.Key()), health(b.Key())

		if ha.Unknown != hb.Unknown {
			return !ha.Unknown
		}
		aLatency, bLatency := ha.Seconds, hb.Seconds
		if ha.Unknown {
			aLatency, bLatency = math.Inf(1), math.Inf(1)
		}
		if aLatency != bLatency {
			return aLatency < bLatency
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.MaxConnections > b.MaxConnections
	})
}

// Descriptors returns a snapshot of the pool's descriptors in current order.
func (p *Pool) Descriptors() []*Descriptor {
	return p.snapshot()
}

// ShouldAppendLocal reports whether a co-hosted edge proxy may be folded
// into the pool as an upstream: it may not when its host is a loopback
// alias and its port equals the manager's own listen port, which would
// create a forwarding loop.
func ShouldAppendLocal(localHost string, localPort, managerPort int) bool {
	if localPort != managerPort {
		return true
	}
	_, isLoopback := constants.LoopbackHosts[localHost]
	return !isLoopback
}
