// Package edge implements the edge proxy: the per-connection state machine
// that accepts a client, applies firewall/auth policy, and either tunnels a
// CONNECT or relays plain HTTP directly to the origin. Connections run one
// goroutine each, admitted under a buffered-channel semaphore.
package edge

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caua1503/forwardproxy/pkg/auth"
	"github.com/caua1503/forwardproxy/pkg/constants"
	"github.com/caua1503/forwardproxy/pkg/firewall"
	"github.com/caua1503/forwardproxy/pkg/framing"
	"github.com/caua1503/forwardproxy/pkg/perrors"
	"github.com/caua1503/forwardproxy/pkg/policy"
	"github.com/caua1503/forwardproxy/pkg/relay"
	"github.com/caua1503/forwardproxy/pkg/response"
)

// Config configures a Server.
type Config struct {
	Host           string
	Port           int
	Backlog        int
	MaxConnections int

	Firewall      *firewall.Config
	Authenticator *auth.Authenticator

	HeaderTimeout time.Duration
	ConnTimeout   time.Duration
	IdleTimeout   time.Duration

	Logger *zap.Logger
}

// Server is the edge proxy's accept loop and per-connection handler.
type Server struct {
	cfg  Config
	sem  chan struct{}
	log  *zap.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a Server. A nil logger falls back to a no-op logger.
func New(cfg Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.DefaultMaxConnections
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = constants.DefaultClientHeaderTimeout
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = constants.DefaultConnTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.DefaultRelayIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Server{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConnections),
		log: cfg.Logger,
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// ListenAndServe opens the listening socket and runs the accept loop until
// ctx is cancelled, at which point it stops accepting and returns once the
// listener is closed. In-flight connections are not waited on here; they
// finish and clean up on their own.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return perrors.NewIOError("listening on "+addr, err)
	}

	if s.cfg.Backlog > 0 && s.cfg.Backlog < s.cfg.MaxConnections {
		s.log.Warn("listen backlog is smaller than max_connections",
			zap.Int("backlog", s.cfg.Backlog), zap.Int("max_connections", s.cfg.MaxConnections))
	}

	s.log.Info("edge proxy listening", zap.String("addr", addr))

	return s.serve(ctx, ln)
}

// serve runs the accept loop over an already-opened listener until ctx is
// cancelled. Split out from ListenAndServe so tests can drive it against a
// loopback listener without binding the configured host/port.
func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return perrors.NewIOError("accepting connection", err)
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn runs the full Accept -> Terminal state machine for one client
// connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := s.log.With(zap.String("conn_id", connID))

	defer func() {
		conn.Close()
		<-s.sem
	}()

	clientHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	log.Debug("accepted connection", zap.String("client", clientHost))

	parsed, err := framing.ReadRequest(ctx, conn, s.cfg.HeaderTimeout)
	if err != nil {
		s.handleReadError(conn, err)
		return
	}

	switch policy.Check(s.cfg.Firewall, s.cfg.Authenticator, clientHost, parsed.Headers) {
	case policy.Forbidden:
		log.Info("rejected by firewall", zap.Error(perrors.NewForbiddenError(clientHost)))
		conn.Write(response.Build(403, nil, []response.Header{{Name: "Connection", Value: "close"}}))
		return
	case policy.Unauthorized:
		log.Info("rejected for missing or invalid credentials", zap.Error(perrors.NewUnauthorizedError(clientHost)))
		conn.Write(proxyAuthRequiredResponse())
		return
	}

	if parsed.Method == "CONNECT" {
		s.tunnelConnect(ctx, conn, parsed)
		return
	}
	s.forwardPlain(ctx, conn, parsed, log)
}

func (s *Server) handleReadError(conn net.Conn, err error) {
	pe, ok := err.(*perrors.Error)
	if !ok {
		return
	}
	switch {
	case pe.Type == perrors.ErrorTypeMalformed && pe.Cause == io.EOF:
		// Client closed mid-headers: no response written.
	case pe.Type == perrors.ErrorTypeMalformed:
		conn.Write(response.Build(400, nil, []response.Header{{Name: "Connection", Value: "close"}}))
	case pe.Type == perrors.ErrorTypeClientTimeout:
		conn.Write(response.Build(408, nil, []response.Header{{Name: "Connection", Value: "close"}}))
	}
}

// proxyAuthRequiredResponse builds the 407 challenge. The header order is
// part of the wire contract: Proxy-Authenticate, Content-Type, Connection,
// then the computed Content-Length.
func proxyAuthRequiredResponse() []byte {
	return response.Build(407, "Proxy Authentication Required", []response.Header{
		{Name: "Proxy-Authenticate", Value: `Basic realm="Proxy"`},
		{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		{Name: "Connection", Value: "close"},
	})
}

// tunnelConnect dials the CONNECT target, answers 200 Connection
// Established on success, then relays bidirectionally.
func (s *Server) tunnelConnect(ctx context.Context, client net.Conn, parsed *framing.ParsedRequest) {
	addr := connectTargetAddr(parsed.Target)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnTimeout)
	defer cancel()

	upstream, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		dialErr := perrors.WrapDialError(addr, err)
		client.Write(response.Build(perrors.StatusForUpstreamError(dialErr), nil, []response.Header{{Name: "Connection", Value: "close"}}))
		return
	}
	defer upstream.Close()

	if _, err := client.Write([]byte(response.ConnectionEstablished)); err != nil {
		return
	}

	relay.Pump(ctx, client, upstream, s.cfg.IdleTimeout)
}

// forwardPlain extracts host/port, dials the origin, writes the rewritten
// request, streams the remaining body, then pumps the response back.
func (s *Server) forwardPlain(ctx context.Context, client net.Conn, parsed *framing.ParsedRequest, log *zap.Logger) {
	host, port, ok := framing.HostPort(parsed.Headers, parsed.Target)
	if !ok || host == "" {
		client.Write(response.Build(400, nil, []response.Header{{Name: "Connection", Value: "close"}}))
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnTimeout)
	defer cancel()

	upstream, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		dialErr := perrors.WrapDialError(addr, err)
		client.Write(response.Build(perrors.StatusForUpstreamError(dialErr), nil, []response.Header{{Name: "Connection", Value: "close"}}))
		return
	}
	defer upstream.Close()

	rewritten := framing.Rewrite(parsed)
	if _, err := upstream.Write(rewritten); err != nil {
		return
	}
	if err := framing.ForwardBody(client, upstream, parsed, s.cfg.IdleTimeout); err != nil {
		return
	}

	pumpResponse(client, upstream, s.cfg.IdleTimeout, log)
}

// pumpResponse is a single upstream->client copy, terminated by upstream
// EOF or an idle timeout. Content-Length and chunked encoding are never
// parsed on this direction; the egress request always carries
// Connection: close, so a well-behaved origin closes its end when the
// response completes. A non-timeout error writes a 502 only if no response
// bytes have reached the client yet; if bytes were already sent, the
// connection is simply closed without injecting a synthetic status
// mid-stream.
func pumpResponse(client, upstream net.Conn, idleTimeout time.Duration, log *zap.Logger) {
	if idleTimeout <= 0 {
		idleTimeout = constants.DefaultRelayIdleTimeout
	}

	buf := make([]byte, constants.BodyForwardChunk)
	sent := false

	for {
		if err := upstream.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return
			}
			sent = true
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			if !sent {
				client.Write(response.Build(502, nil, []response.Header{{Name: "Connection", Value: "close"}}))
				return
			}
			if addr := upstream.RemoteAddr(); addr != nil {
				log.Debug("upstream closed mid-response", zap.Error(perrors.NewUpstreamClosedEarlyError(addr.String(), err)))
			}
			return
		}
	}
}

// connectTargetAddr parses a CONNECT request-line target ("host[:port]")
// into a dial address, defaulting the port to 443.
func connectTargetAddr(target string) string {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return net.JoinHostPort(target, "443")
	}
	return net.JoinHostPort(host, port)
}
