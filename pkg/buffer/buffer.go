// Package buffer provides the bounded staging buffer request framing
// accumulates a client's octets into while scanning for the header
// terminator. The bound is a hard cap: a client cannot grow the buffer
// past it, no matter how slowly it dribbles header bytes.
package buffer

import (
	"bytes"
	"errors"
)

// ErrLimitExceeded is returned by Write when the buffer would grow past
// its configured limit. Nothing from the offending write is kept.
var ErrLimitExceeded = errors.New("buffer: limit exceeded")

// Buffer is an append-only in-memory buffer with a hard size limit.
type Buffer struct {
	data  []byte
	limit int
}

// New returns a Buffer that refuses to grow beyond limit bytes.
func New(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Write appends p, failing with ErrLimitExceeded if the result would
// exceed the limit.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > b.limit {
		return 0, ErrLimitExceeded
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Len reports the number of bytes accumulated so far.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the accumulated bytes. The slice is owned by the buffer
// and only valid until the next Write.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Index reports the offset of the first occurrence of sep in the
// accumulated bytes, or -1 if sep is not present.
func (b *Buffer) Index(sep []byte) int {
	return bytes.Index(b.data, sep)
}
