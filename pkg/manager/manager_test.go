package manager

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/caua1503/forwardproxy/pkg/firewall"
	"github.com/caua1503/forwardproxy/pkg/upstream"
)

func startManagerServer(t *testing.T, cfg Config) (addr string, stop func()) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.MaxConnections = 10

	srv := New(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.serve(ctx, ln)

	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

func TestManagerForwardsOriginalBytesUnrewritten(t *testing.T) {
	received := make(chan string, 1)
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	go func() {
		c, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		n, _ := c.Read(buf)
		received <- string(buf[:n])
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	d, err := upstream.ParseDescriptor(upstreamLn.Addr().String(), 10, 1)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	pool := upstream.NewPool([]*upstream.Descriptor{d})

	addr, stop := startManagerServer(t, Config{Pool: pool})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET http://example.org/ HTTP/1.1\r\n" +
		"Host: example.org\r\n" +
		"Proxy-Authorization: Basic YWRtaW46YWRtaW4=\r\n\r\n"
	conn.Write([]byte(req))

	select {
	case got := <-received:
		if !strings.Contains(got, "Proxy-Authorization: Basic YWRtaW46YWRtaW4=") {
			t.Errorf("expected original Proxy-Authorization preserved, got %q", got)
		}
		if strings.Contains(got, "Connection: close") {
			t.Errorf("expected no injected Connection: close, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream to receive forwarded request")
	}
}

func TestManagerNoUpstreamClosesSilently(t *testing.T) {
	pool := upstream.NewPool(nil)
	addr, stop := startManagerServer(t, Config{Pool: pool})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET http://example.org/ HTTP/1.1\r\nHost: example.org\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected silent close (EOF, 0 bytes), got n=%d err=%v", n, err)
	}
}

func TestManagerFirewallBlock(t *testing.T) {
	fw, err := firewall.New(nil, []string{"127.0.0.1"}, nil)
	if err != nil {
		t.Fatalf("firewall.New: %v", err)
	}
	pool := upstream.NewPool(nil)
	addr, stop := startManagerServer(t, Config{Pool: pool, Firewall: fw})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET http://example.org/ HTTP/1.1\r\nHost: example.org\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	body, _ := io.ReadAll(conn)
	if !strings.HasPrefix(string(body), "HTTP/1.1 403 Forbidden") {
		t.Fatalf("expected 403 response, got %q", body)
	}
}

func TestManagerConnectViaUpstream(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	defer origin.Close()
	originAddr := origin.Addr().String()

	// Fake upstream proxy: accepts a CONNECT, answers 200, then relays raw
	// bytes to/from the real origin so the manager's tunnel can be verified
	// end to end.
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	go func() {
		c, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		reader := bufio.NewReader(c)
		line, err := reader.ReadString('\n')
		if err != nil || !strings.HasPrefix(line, "CONNECT") {
			c.Close()
			return
		}
		for {
			l, err := reader.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

		originConn, err := net.Dial("tcp", originAddr)
		if err != nil {
			c.Close()
			return
		}
		go io.Copy(originConn, reader)
		io.Copy(c, originConn)
	}()

	go func() {
		c, err := origin.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
	}()

	d, err := upstream.ParseDescriptor(upstreamLn.Addr().String(), 10, 1)
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	pool := upstream.NewPool([]*upstream.Descriptor{d})

	addr, stop := startManagerServer(t, Config{Pool: pool})
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("CONNECT " + originAddr + " HTTP/1.1\r\n\r\n"))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("expected 200 response, got %q", line)
	}
	reader.ReadString('\n')

	conn.Write([]byte("ping"))
	out := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(reader, out); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(out) != "ping" {
		t.Errorf("expected echoed ping, got %q", out)
	}
}
