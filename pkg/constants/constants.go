// Package constants defines magic numbers and default values shared across
// the proxy, manager, and supporting packages.
package constants

import "time"

// Network timeouts.
const (
	// DefaultClientHeaderTimeout bounds how long a client has to finish
	// sending its request headers.
	DefaultClientHeaderTimeout = 15 * time.Second

	// DefaultConnTimeout bounds dialing a client-requested or upstream host.
	DefaultConnTimeout = 15 * time.Second

	// DefaultRelayIdleTimeout bounds each read in the bidirectional relay.
	DefaultRelayIdleTimeout = 30 * time.Second

	// DefaultHealthProbeTimeout bounds a single TCP health probe (timeout_test).
	DefaultHealthProbeTimeout = 2 * time.Second

	// DefaultHealthPassInterval is the period between health passes (update_timeout).
	DefaultHealthPassInterval = 30 * time.Second

	// HealthLatencyThreshold is the latency at or above which a successful
	// probe is still marked unhealthy.
	HealthLatencyThreshold = 10 * time.Second
)

// Buffer and framing limits.
const (
	// HeaderReadChunk is the chunk size used while reading up to CRLFCRLF.
	HeaderReadChunk = 1024

	// BodyForwardChunk is the chunk size used while streaming request/response bodies.
	BodyForwardChunk = 4096

	// MaxHeaderBytes caps the size of the buffered request header block.
	MaxHeaderBytes = 64 * 1024
)

// Pool and admission defaults.
const (
	// DefaultMaxConnections is the default admission semaphore capacity.
	DefaultMaxConnections = 1000

	// DefaultUpstreamMaxConnections is UpstreamDescriptor.max_connections' default.
	DefaultUpstreamMaxConnections = 1000

	// DefaultUpstreamPriority is UpstreamDescriptor.priority's default.
	DefaultUpstreamPriority = 2

	// DefaultHealthBatchSize is the number of upstreams probed concurrently per batch.
	DefaultHealthBatchSize = 1000

	// DefaultEdgeBacklog is the edge proxy's default listen backlog.
	DefaultEdgeBacklog = 1000
)

// Default listen addresses.
const (
	DefaultListenHost  = "0.0.0.0"
	DefaultEdgePort    = 8888
	DefaultManagerPort = 8889
)

// LoopbackHosts lists hosts for which a co-hosted edge proxy bound to the
// manager's own listen port is never appended to the upstream pool.
var LoopbackHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"0.0.0.0":   {},
}
