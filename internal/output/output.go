// Package output bounds captured program output.
package output

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// TruncationMarker is appended to every clipped string.
const TruncationMarker = "\n... (truncated)"

// Truncate clips s to at most limit bytes (on a rune boundary) and appends
// TruncationMarker. A limit <= 0 disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// CappedBuffer is an io.Writer that keeps the first Limit bytes and drops
// the rest without failing the writer. Safe for concurrent use.
type CappedBuffer struct {
	Limit int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

// NewCappedBuffer returns a buffer that keeps at most limit bytes.
func NewCappedBuffer(limit int) *CappedBuffer {
	return &CappedBuffer{Limit: limit}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.Limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// String returns the kept bytes, with TruncationMarker if anything was dropped.
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + TruncationMarker
	}
	return b.buf.String()
}

// Truncated reports whether any bytes were dropped.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
