// Package framing implements request-side HTTP/1.1 framing: reading a
// client's request up to the header terminator, parsing the request line and
// headers, extracting host/port/content-length, and rewriting hop-by-hop
// headers before forwarding to an origin.
package framing

import (
	"context"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/caua1503/forwardproxy/pkg/buffer"
	"github.com/caua1503/forwardproxy/pkg/constants"
	"github.com/caua1503/forwardproxy/pkg/perrors"
)

// hopByHopHeaders are stripped from the egress request by Rewrite.
var hopByHopHeaders = map[string]struct{}{
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
}

// crlfcrlf terminates an HTTP/1.1 header block.
var crlfcrlf = []byte("\r\n\r\n")

// ParsedRequest is the result of reading and parsing a client request up to
// the header terminator.
type ParsedRequest struct {
	// Method is the request-line method, upper-cased.
	Method string
	// Target is the request-line's second token, or empty.
	Target string
	// Headers maps a canonicalized header name to its (last-wins) value.
	Headers map[string]string
	// HeaderBlock is the raw octets of the request line + header lines,
	// including the terminating CRLFCRLF.
	HeaderBlock []byte
	// InitialBody is whatever body octets followed the header terminator in
	// the same read.
	InitialBody []byte
	// ContentLength is parsed from the Content-Length header, or 0.
	ContentLength int64
}

// ReadRequest reads from conn in HeaderReadChunk-sized chunks until the
// CRLFCRLF terminator appears, applying readTimeout to the whole read. It
// returns a ClientTimeout error on deadline exceeded, and a MalformedRequest
// error if the request line cannot be split into at least a method.
func ReadRequest(ctx context.Context, conn net.Conn, readTimeout time.Duration) (*ParsedRequest, error) {
	if readTimeout <= 0 {
		readTimeout = constants.DefaultClientHeaderTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, perrors.NewIOError("setting read deadline", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	raw := buffer.New(constants.MaxHeaderBytes)

	chunk := make([]byte, constants.HeaderReadChunk)
	terminatorIdx := -1

	for {
		select {
		case <-ctx.Done():
			return nil, perrors.NewClientTimeoutError("read-headers", ctx.Err())
		default:
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			if _, werr := raw.Write(chunk[:n]); werr != nil {
				return nil, perrors.NewMalformedError("request headers exceed maximum size", werr)
			}
			if idx := raw.Index(crlfcrlf); idx >= 0 {
				terminatorIdx = idx
			}
		}
		if terminatorIdx >= 0 {
			break
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, perrors.NewClientTimeoutError("read-headers", err)
			}
			if err == io.EOF {
				return nil, perrors.NewMalformedError("client closed connection before sending headers", err)
			}
			return nil, perrors.NewIOError("reading client headers", err)
		}
	}

	acc := raw.Bytes()
	headerBlock := append([]byte(nil), acc[:terminatorIdx+4]...)
	initialBody := append([]byte(nil), acc[terminatorIdx+4:]...)

	method, target, err := parseRequestLine(headerBlock)
	if err != nil {
		return nil, err
	}

	headers := parseHeaders(headerBlock)

	return &ParsedRequest{
		Method:        method,
		Target:        target,
		Headers:       headers,
		HeaderBlock:   headerBlock,
		InitialBody:   initialBody,
		ContentLength: contentLength(headers),
	}, nil
}

func parseRequestLine(headerBlock []byte) (method, target string, err error) {
	idx := strings.Index(string(headerBlock), "\r\n")
	var line string
	if idx < 0 {
		line = string(headerBlock)
	} else {
		line = string(headerBlock[:idx])
	}
	if line == "" {
		return "", "", perrors.NewMalformedError("empty request line", nil)
	}
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", "", perrors.NewMalformedError("request line has no method", nil)
	}
	method = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		target = parts[1]
	}
	return method, target, nil
}

// parseHeaders splits the header block on CRLF; later occurrences of the
// same name overwrite earlier ones.
func parseHeaders(headerBlock []byte) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(string(headerBlock), "\r\n")
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}
		headers[textproto.CanonicalMIMEHeaderKey(name)] = value
	}
	return headers
}

func contentLength(headers map[string]string) int64 {
	raw, ok := headers[textproto.CanonicalMIMEHeaderKey("Content-Length")]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// HostPort extracts (host, port) from the Host header or, if absent, from
// the request-line target. port defaults to 80. If target or host contains
// a path, the authority ends at the first '/'.
func HostPort(headers map[string]string, target string) (host string, port int, ok bool) {
	authority := headers[textproto.CanonicalMIMEHeaderKey("Host")]
	if authority == "" {
		authority = stripScheme(target)
	}
	if authority == "" {
		return "", 0, false
	}

	if idx := strings.IndexByte(authority, '/'); idx >= 0 {
		authority = authority[:idx]
	}

	if h, p, err := net.SplitHostPort(authority); err == nil {
		portNum, perr := strconv.Atoi(p)
		if perr != nil {
			return "", 0, false
		}
		return h, portNum, true
	}

	return authority, 80, true
}

func stripScheme(target string) string {
	if idx := strings.Index(target, "://"); idx >= 0 {
		return target[idx+3:]
	}
	return target
}

// Rewrite removes Proxy-Authorization and Proxy-Connection headers from the
// parsed request's header block and appends exactly one "Connection: close"
// header, preserving the request line and body bit-exact.
func Rewrite(p *ParsedRequest) []byte {
	headerPart := p.HeaderBlock[:len(p.HeaderBlock)-4]
	lines := strings.Split(string(headerPart), "\r\n")

	filtered := make([]string, 0, len(lines)+1)
	filtered = append(filtered, lines[0])

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, _, found := strings.Cut(line, ":")
		if found {
			canon := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
			if _, hop := hopByHopHeaders[canon]; hop {
				continue
			}
			if canon == "Connection" {
				continue
			}
		}
		filtered = append(filtered, line)
	}

	filtered = append(filtered, "Connection: close")

	out := make([]byte, 0, len(p.HeaderBlock)+len(p.InitialBody)+16)
	out = append(out, strings.Join(filtered, "\r\n")...)
	out = append(out, "\r\n\r\n"...)
	out = append(out, p.InitialBody...)
	return out
}

// ForwardBody streams the remaining request body (Content-Length minus what
// was already buffered) from client to upstream in BodyForwardChunk-sized
// chunks. readTimeout bounds each chunk read from the client: a client that
// stalls mid-body times out instead of holding the connection (and its
// admission-semaphore slot) open indefinitely.
func ForwardBody(client net.Conn, upstream net.Conn, p *ParsedRequest, readTimeout time.Duration) error {
	remaining := p.ContentLength - int64(len(p.InitialBody))
	if remaining <= 0 {
		return nil
	}
	if readTimeout <= 0 {
		readTimeout = constants.DefaultRelayIdleTimeout
	}
	defer client.SetReadDeadline(time.Time{})

	chunk := make([]byte, constants.BodyForwardChunk)
	for remaining > 0 {
		toRead := int64(len(chunk))
		if remaining < toRead {
			toRead = remaining
		}
		if err := client.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return perrors.NewIOError("setting read deadline", err)
		}
		n, err := client.Read(chunk[:toRead])
		if n > 0 {
			if _, werr := upstream.Write(chunk[:n]); werr != nil {
				return perrors.NewIOError("forwarding request body", werr)
			}
			remaining -= int64(n)
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return perrors.NewClientTimeoutError("forward-body", err)
			}
			if err == io.EOF {
				return nil
			}
			return perrors.NewIOError("reading request body", err)
		}
	}
	return nil
}
