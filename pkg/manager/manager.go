// Package manager implements the proxy manager: the same external
// per-connection state machine as pkg/edge, but each request forwards
// through a selected upstream proxy from pkg/upstream instead of
// connecting directly to the origin.
package manager

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
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
	"github.com/caua1503/forwardproxy/pkg/upstream"
)

// Config configures a Server.
type Config struct {
	Host           string
	Port           int
	Backlog        int
	MaxConnections int

	Firewall      *firewall.Config
	Authenticator *auth.Authenticator
	Pool          *upstream.Pool

	HeaderTimeout time.Duration
	ConnTimeout   time.Duration
	IdleTimeout   time.Duration

	Logger *zap.Logger
}

// Server is the manager's accept loop and per-connection handler.
type Server struct {
	cfg  Config
	sem  chan struct{}
	log  *zap.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a Server over an already-constructed upstream pool.
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
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return perrors.NewIOError("listening on "+addr, err)
	}

	s.log.Info("manager listening", zap.String("addr", addr))

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
		conn.Write(response.Build(407, "Proxy Authentication Required", []response.Header{
			{Name: "Proxy-Authenticate", Value: `Basic realm="Proxy"`},
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Connection", Value: "close"},
		}))
		return
	}

	desc, err := s.cfg.Pool.Choose()
	if err != nil {
		// Empty pool: close without writing a response.
		log.Warn("no upstream available, closing connection")
		return
	}
	log.Debug("selected upstream", zap.String("upstream", desc.Key()))

	key := desc.Key()
	s.cfg.Pool.Increment(key)
	defer s.cfg.Pool.Decrement(key)

	host, port := desc.HostPort()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnTimeout)
	upstreamConn, err := s.dial(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		dialErr := perrors.WrapDialError(addr, err)
		conn.Write(response.Build(perrors.StatusForUpstreamError(dialErr), nil, []response.Header{{Name: "Connection", Value: "close"}}))
		return
	}
	defer upstreamConn.Close()

	if parsed.Method == "CONNECT" {
		if !s.relayConnect(conn, upstreamConn, parsed.Target) {
			return
		}
	} else {
		// The next hop is itself a proxy and expects the client's original
		// framing, including Proxy-Authorization, so the request is
		// forwarded verbatim with no header rewrite.
		original := append(append([]byte(nil), parsed.HeaderBlock...), parsed.InitialBody...)
		if _, err := upstreamConn.Write(original); err != nil {
			return
		}
		if err := framing.ForwardBody(conn, upstreamConn, parsed, s.cfg.IdleTimeout); err != nil {
			return
		}
	}

	relay.Pump(ctx, conn, upstreamConn, s.cfg.IdleTimeout)
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

// relayConnect re-issues CONNECT to the chosen upstream proxy, reads its
// response up to the header terminator, and pipes it verbatim to the
// client. It reports whether the connection should proceed to Relay.
func (s *Server) relayConnect(client, upstreamConn net.Conn, target string) bool {
	if _, err := upstreamConn.Write(response.ConnectLine(target)); err != nil {
		return false
	}

	if err := upstreamConn.SetReadDeadline(time.Now().Add(s.cfg.ConnTimeout)); err != nil {
		return false
	}
	reader := bufio.NewReader(upstreamConn)

	var raw strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		raw.WriteString(line)
		if line == "\r\n" {
			break
		}
	}
	upstreamConn.SetReadDeadline(time.Time{})

	if _, err := client.Write([]byte(raw.String())); err != nil {
		return false
	}

	// reader's internal buffer may already hold bytes past the header
	// terminator if the upstream's 200 response and the first bytes of
	// tunneled traffic arrived in the same TCP read. Those bytes belong to
	// the client direction of the relay and must be drained before Pump
	// starts reading upstreamConn directly, or they are silently dropped.
	if buffered := reader.Buffered(); buffered > 0 {
		leftover := make([]byte, buffered)
		if _, err := io.ReadFull(reader, leftover); err != nil {
			return false
		}
		if _, err := client.Write(leftover); err != nil {
			return false
		}
	}

	return true
}
