package lib

import (
	"fmt"

	"go.uber.org/zap"
)

// Listener hands out the connections that arrive on a bound port.
type Listener struct {
	port   uint16
	ifce   *Interface
	closed bool // guarded by the manager lock
}

func (l *Listener) Port() uint16 {
	return l.port
}

// Accept blocks until a connection arrives on the listener's port. It fails
// with ErrShutdown once the interface is closing and with ErrListenerClosed
// after Close.
func (l *Listener) Accept() (*Stream, error) {
	cm := l.ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for {
		if cm.terminate {
			return nil, ErrShutdown
		}
		queue, ok := cm.pending[l.port]
		if !ok || l.closed {
			return nil, fmt.Errorf("accept on port %d: %w", l.port, ErrListenerClosed)
		}
		if len(queue) > 0 {
			quad := queue[0]
			cm.pending[l.port] = queue[1:]
			l.ifce.log.Info("connection accepted", zap.Stringer("quad", quad))
			return &Stream{
				quad:     quad,
				ifce:     l.ifce,
				blocking: l.ifce.config.BlockingRead,
			}, nil
		}

		cm.pendingVar.Wait()
	}
}

// Close unbinds the port. Connections that arrived but were never accepted
// are reset; accepted streams are unaffected.
func (l *Listener) Close() error {
	cm := l.ifce.cm
	cm.mu.Lock()
	if l.closed {
		cm.mu.Unlock()
		return nil
	}
	l.closed = true

	queue, ok := cm.pending[l.port]
	if ok {
		delete(cm.pending, l.port)
	}
	for _, quad := range queue {
		if c, ok := cm.connections[quad]; ok {
			c.abortRequested = true
			c.released = true
		}
	}
	cm.pendingVar.Broadcast()
	cm.mu.Unlock()

	if len(queue) > 0 {
		l.ifce.notify()
	}
	l.ifce.log.Info("listener closed", zap.Uint16("port", l.port), zap.Int("aborted", len(queue)))
	return nil
}
