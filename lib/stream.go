package lib

import (
	"fmt"
	"io"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

// Stream is the application side of an accepted connection. Its methods are
// safe for concurrent use.
type Stream struct {
	quad        Quad
	ifce        *Interface
	blocking    bool // guarded by the manager lock
	writeClosed bool // guarded by the manager lock
	closed      bool // guarded by the manager lock
}

func (s *Stream) LocalAddr() netip.AddrPort {
	return s.quad.Dst
}

func (s *Stream) RemoteAddr() netip.AddrPort {
	return s.quad.Src
}

// SetBlocking selects whether Read waits for data (true) or fails with
// ErrWouldBlock when nothing is queued (false).
func (s *Stream) SetBlocking(blocking bool) {
	s.ifce.cm.mu.Lock()
	s.blocking = blocking
	s.ifce.cm.mu.Unlock()
}

// conn looks up the stream's connection. Caller holds the manager lock.
func (s *Stream) conn() (*Connection, error) {
	if s.closed {
		return nil, net.ErrClosed
	}
	if s.ifce.cm.terminate {
		return nil, ErrShutdown
	}
	c, ok := s.ifce.cm.connections[s.quad]
	if !ok || c.reset {
		return nil, ErrConnectionAborted
	}
	return c, nil
}

// Read copies queued inbound bytes into p. It returns io.EOF once the peer
// has closed and everything it sent has been read.
func (s *Stream) Read(p []byte) (int, error) {
	cm := s.ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for {
		c, err := s.conn()
		if err != nil {
			return 0, err
		}
		if len(p) == 0 {
			return 0, nil
		}
		if c.incoming.Len() > 0 {
			n, _ := c.incoming.Read(p)
			return n, nil
		}
		if c.peerClosed || c.readClosed {
			return 0, io.EOF
		}
		if !s.blocking {
			return 0, ErrWouldBlock
		}
		if cm.terminate {
			return 0, ErrShutdown
		}
		c.readVar.Wait()
	}
}

// Write queues as much of p as the outbound queue has room for and returns
// that count. Short writes are normal; a full queue yields ErrWouldBlock.
func (s *Stream) Write(p []byte) (int, error) {
	cm := s.ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if s.writeClosed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}
	free := c.unacked.Free()
	if free == 0 {
		return 0, ErrWouldBlock
	}
	n := min(len(p), free)
	if _, err := c.unacked.Write(p[:n]); err != nil {
		return 0, fmt.Errorf("queueing %d bytes: %w", n, err)
	}
	return n, nil
}

// Flush succeeds only when the outbound queue is empty. Nothing drains the
// queue onto the wire yet, so a non-empty queue reports ErrWouldBlock.
func (s *Stream) Flush() error {
	cm := s.ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, err := s.conn()
	if err != nil {
		return err
	}
	if c.unacked.Length() > 0 {
		return ErrWouldBlock
	}
	return nil
}

// Shutdown closes one or both halves of the stream. Closing the write half
// sends FIN; closing the read half discards queued input.
func (s *Stream) Shutdown(how ShutdownHow) error {
	cm := s.ifce.cm
	cm.mu.Lock()
	c, err := s.conn()
	if err != nil {
		cm.mu.Unlock()
		return err
	}
	if how == ShutdownRead || how == ShutdownBoth {
		c.readClosed = true
		c.incoming.Reset()
		c.readVar.Broadcast()
	}
	finNeeded := false
	if (how == ShutdownWrite || how == ShutdownBoth) && !s.writeClosed {
		s.writeClosed = true
		c.finRequested = true
		finNeeded = true
	}
	cm.mu.Unlock()

	if finNeeded {
		s.ifce.notify()
	}
	return nil
}

// Close releases the stream. The connection sends FIN if it has not yet and
// leaves the table once the close handshake finishes.
func (s *Stream) Close() error {
	cm := s.ifce.cm
	cm.mu.Lock()
	if s.closed {
		cm.mu.Unlock()
		return nil
	}
	s.closed = true
	c, ok := cm.connections[s.quad]
	if ok {
		c.released = true
		c.finRequested = true
		c.readVar.Broadcast()
	}
	cm.mu.Unlock()

	if ok {
		s.ifce.notify()
	}
	s.ifce.log.Debug("stream closed", zap.Stringer("quad", s.quad))
	return nil
}
