// Package relay implements the bidirectional, application-opaque byte copy
// shared by the edge proxy and the manager's upstream hop. Each direction
// owns its own buffer; the first to see EOF or an error ends the relay and
// the other side is cancelled.
package relay

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/caua1503/forwardproxy/pkg/constants"
)

// Pump copies bytes in both directions between a and b until either side
// reaches EOF or errors, or idleTimeout elapses on a read. It returns once
// the first direction has stopped and both connections are closed; closing
// again in the caller is harmless.
func Pump(ctx context.Context, a, b net.Conn, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = constants.DefaultRelayIdleTimeout
	}

	done := make(chan struct{}, 2)

	go func() {
		copyDirection(a, b, idleTimeout)
		done <- struct{}{}
	}()
	go func() {
		copyDirection(b, a, idleTimeout)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	// Closing both ends unblocks whichever direction's Read is still
	// pending; the second done signal drains without anyone listening.
	a.Close()
	b.Close()
}

// copyDirection reads from src in BodyForwardChunk-sized chunks, applying
// idleTimeout to each read, and writes whatever was read to dst. It returns
// on EOF, timeout, or any other I/O error.
func copyDirection(src, dst net.Conn, idleTimeout time.Duration) {
	buf := make([]byte, constants.BodyForwardChunk)
	for {
		if err := src.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			return
		}
	}
}
