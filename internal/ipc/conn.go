package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// maxFrameSize caps a single envelope frame (256 KB). Push payloads are
// small; anything larger indicates a broken or hostile peer.
const maxFrameSize = 256 * 1024

// Conn frames envelopes over a stream connection as newline-delimited
// JSON. Writes are safe for concurrent use; reads are single-consumer.
type Conn struct {
	conn net.Conn
	r    *bufio.Scanner

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewConn wraps a stream connection.
func NewConn(c net.Conn) *Conn {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &Conn{
		conn: c,
		r:    scanner,
		w:    bufio.NewWriter(c),
	}
}

// Read blocks until the next envelope arrives or the connection fails.
func (c *Conn) Read() (Envelope, error) {
	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return Envelope{}, fmt.Errorf("ipc: reading frame: %w", err)
		}
		return Envelope{}, fmt.Errorf("ipc: connection closed")
	}

	var env Envelope
	if err := json.Unmarshal(c.r.Bytes(), &env); err != nil {
		return Envelope{}, fmt.Errorf("ipc: decoding frame: %w", err)
	}
	return env, nil
}

// Write sends an envelope, flushing immediately.
func (c *Conn) Write(env Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("ipc: writing frame: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("ipc: writing frame delimiter: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("ipc: flushing frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
