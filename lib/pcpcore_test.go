package lib

import (
	"errors"
	"io"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"go.uber.org/zap"
)

// chanDevice is an in-memory Device. Frames pushed with inject are read by
// the interface; frames the interface writes appear on out.
type chanDevice struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanDevice() *chanDevice {
	return &chanDevice{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (d *chanDevice) Read(p []byte) (int, error) {
	select {
	case frame := <-d.in:
		return copy(p, frame), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *chanDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	default:
	}
	d.out <- append([]byte(nil), p...)
	return len(p), nil
}

func (d *chanDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *chanDevice) inject(t *testing.T, src, dst netip.AddrPort, seq, ack uint32, flags uint8, payload []byte) {
	t.Helper()
	frame, err := marshalFrame(gopacket.NewSerializeBuffer(), header{
		src:    src,
		dst:    dst,
		seq:    seq,
		ack:    ack,
		window: 1024,
		flags:  flags,
		ttl:    DefaultTTL,
	}, payload)
	if err != nil {
		t.Fatalf("marshalFrame: %v", err)
	}
	d.in <- append([]byte(nil), frame...)
}

func (d *chanDevice) expect(t *testing.T) *Segment {
	t.Helper()
	select {
	case frame := <-d.out:
		seg, err := parseFrame(frame, true)
		if err != nil {
			t.Fatalf("interface emitted an unparseable frame: %v", err)
		}
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a segment from the interface")
	}
	return nil
}

func newTestInterface(t *testing.T) (*Interface, *chanDevice) {
	t.Helper()
	cfg := DefaultInterfaceConfig()
	cfg.RandomISS = false
	cfg.SendQueueSize = 16
	cfg.FramePoolSize = 8
	cfg.Logger = zap.NewNop()

	dev := newChanDevice()
	ifce, err := NewInterface(cfg, dev)
	if err != nil {
		t.Fatalf("NewInterface: %v", err)
	}
	t.Cleanup(func() { ifce.Close() })
	return ifce, dev
}

type acceptResult struct {
	stream *Stream
	err    error
}

func acceptAsync(l *Listener) <-chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		s, err := l.Accept()
		ch <- acceptResult{s, err}
	}()
	return ch
}

func waitAccept(t *testing.T, ch <-chan acceptResult) acceptResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	return acceptResult{}
}

// connect completes the passive open of a stream on l from peerAddr.
func connect(t *testing.T, l *Listener, dev *chanDevice) *Stream {
	t.Helper()
	ch := acceptAsync(l)
	dst := netip.AddrPortFrom(localAddr.Addr(), l.Port())
	dev.inject(t, peerAddr, dst, peerISS, 0, SYNFlag, nil)

	synAck := dev.expect(t)
	if synAck.Flags != SYNFlag|ACKFlag || synAck.Ack != peerISS+1 || synAck.Seq != 0 {
		t.Fatalf("expected SYN-ACK seq 0 ack %d, got flags %#x seq %d ack %d",
			peerISS+1, synAck.Flags, synAck.Seq, synAck.Ack)
	}
	r := waitAccept(t, ch)
	if r.err != nil {
		t.Fatalf("Accept: %v", r.err)
	}
	return r.stream
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*InterfaceConfig)
	}{
		{"frame too small", func(c *InterfaceConfig) { c.FrameSize = 39 }},
		{"no send queue", func(c *InterfaceConfig) { c.SendQueueSize = 0 }},
		{"no frame pool", func(c *InterfaceConfig) { c.FramePoolSize = 0 }},
	}

	for _, tc := range testCases {
		cfg := DefaultInterfaceConfig()
		cfg.Logger = zap.NewNop()
		tc.modify(cfg)
		if _, err := NewInterface(cfg, newChanDevice()); err == nil {
			t.Errorf("%s: NewInterface accepted an invalid config", tc.name)
		}
	}
}

func TestBindTwice(t *testing.T) {
	ifce, _ := newTestInterface(t)

	if _, err := ifce.Bind(8080); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if _, err := ifce.Bind(8080); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("second Bind error = %v, want ErrAddrInUse", err)
	}
	if _, err := ifce.Bind(8081); err != nil {
		t.Fatalf("Bind on another port: %v", err)
	}
}

func TestAcceptSurfacesConnection(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// a SYN to a port nobody listens on is ignored
	dev.inject(t, peerAddr, netip.AddrPortFrom(localAddr.Addr(), 9090), peerISS, 0, SYNFlag, nil)

	s := connect(t, l, dev)
	if s.RemoteAddr() != peerAddr {
		t.Errorf("RemoteAddr = %s, want %s", s.RemoteAddr(), peerAddr)
	}
	if s.LocalAddr() != localAddr {
		t.Errorf("LocalAddr = %s, want %s", s.LocalAddr(), localAddr)
	}

	ifce.cm.mu.Lock()
	n := len(ifce.cm.connections)
	_, unbound := ifce.cm.connections[Quad{Src: peerAddr, Dst: netip.AddrPortFrom(localAddr.Addr(), 9090)}]
	ifce.cm.mu.Unlock()
	if n != 1 || unbound {
		t.Errorf("table holds %d connections (unbound port present: %t), want only the accepted one", n, unbound)
	}
}

func TestStreamQueueBounds(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s := connect(t, l, dev)

	if err := s.Flush(); err != nil {
		t.Errorf("Flush on an empty queue = %v, want nil", err)
	}

	buf := make([]byte, 32)
	if n, err := s.Read(buf); !errors.Is(err, ErrWouldBlock) || n != 0 {
		t.Errorf("Read on empty queue = %d, %v; want 0, ErrWouldBlock", n, err)
	}
	var wb interface{ Temporary() bool }
	if !errors.As(ErrWouldBlock, &wb) || !wb.Temporary() {
		t.Error("ErrWouldBlock is not temporary")
	}

	if n, err := s.Write([]byte("0123456789")); err != nil || n != 10 {
		t.Fatalf("Write = %d, %v; want 10, nil", n, err)
	}
	// 6 bytes of capacity left
	if n, err := s.Write([]byte("abcdefghij")); err != nil || n != 6 {
		t.Fatalf("Write = %d, %v; want 6, nil", n, err)
	}
	if n, err := s.Write([]byte("x")); !errors.Is(err, ErrWouldBlock) || n != 0 {
		t.Errorf("Write on full queue = %d, %v; want 0, ErrWouldBlock", n, err)
	}
	if err := s.Flush(); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Flush = %v, want ErrWouldBlock", err)
	}
}

func TestStreamReceiveAndEOF(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s := connect(t, l, dev)
	s.SetBlocking(true)

	type readResult struct {
		data string
		err  error
	}
	reads := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := s.Read(buf)
		reads <- readResult{string(buf[:n]), err}
	}()

	// handshake ACK carrying data: the FIN we send acknowledges it
	dev.inject(t, peerAddr, localAddr, peerISS+1, 1, ACKFlag|PSHFlag, []byte("ping"))
	fin := dev.expect(t)
	if fin.Flags != FINFlag|ACKFlag || fin.Seq != 1 || fin.Ack != peerISS+5 {
		t.Fatalf("expected FIN seq 1 ack %d, got flags %#x seq %d ack %d", peerISS+5, fin.Flags, fin.Seq, fin.Ack)
	}

	select {
	case r := <-reads:
		if r.err != nil || r.data != "ping" {
			t.Fatalf("blocking Read = %q, %v; want \"ping\", nil", r.data, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Read did not return")
	}

	dev.inject(t, peerAddr, localAddr, peerISS+5, 2, ACKFlag, nil)
	dev.inject(t, peerAddr, localAddr, peerISS+5, 2, FINFlag|ACKFlag, nil)
	ack := dev.expect(t)
	if ack.Flags != ACKFlag || ack.Seq != 2 || ack.Ack != peerISS+6 {
		t.Fatalf("expected ACK seq 2 ack %d, got flags %#x seq %d ack %d", peerISS+6, ack.Flags, ack.Seq, ack.Ack)
	}

	if n, err := s.Read(make([]byte, 8)); err != io.EOF || n != 0 {
		t.Errorf("Read after peer FIN = %d, %v; want 0, io.EOF", n, err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		ifce.cm.mu.Lock()
		n := len(ifce.cm.connections)
		ifce.cm.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("closed TIME-WAIT connection never left the table")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.Read(make([]byte, 8)); err == nil {
		t.Error("Read on a closed stream succeeded")
	}
}

func TestStreamShutdownWriteSendsFIN(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s := connect(t, l, dev)

	if err := s.Shutdown(ShutdownWrite); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	fin := dev.expect(t)
	if fin.Flags != FINFlag|ACKFlag || fin.Seq != 1 {
		t.Fatalf("expected FIN seq 1, got flags %#x seq %d", fin.Flags, fin.Seq)
	}
	if _, err := s.Write([]byte("late")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write after ShutdownWrite = %v, want io.ErrClosedPipe", err)
	}
}

func TestCloseUnblocksAccept(t *testing.T) {
	ifce, _ := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ch := acceptAsync(l)

	if err := ifce.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r := waitAccept(t, ch); !errors.Is(r.err, ErrShutdown) {
		t.Errorf("Accept after Close = %v, want ErrShutdown", r.err)
	}
	if _, err := ifce.Bind(8081); !errors.Is(err, ErrShutdown) {
		t.Errorf("Bind after Close = %v, want ErrShutdown", err)
	}
	if ifce.Err() != nil {
		t.Errorf("Err after a clean Close = %v", ifce.Err())
	}
}

func TestCloseResetsLiveConnections(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	s := connect(t, l, dev)

	if err := ifce.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rst := dev.expect(t)
	if !rst.RST() || rst.Seq != 1 {
		t.Errorf("expected RST seq 1, got flags %#x seq %d", rst.Flags, rst.Seq)
	}
	if _, err := s.Read(make([]byte, 8)); !errors.Is(err, ErrShutdown) {
		t.Errorf("Read after Close = %v, want ErrShutdown", err)
	}
}

func TestListenerCloseFreesPort(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// one connection handshakes but is never accepted
	dev.inject(t, peerAddr, localAddr, peerISS, 0, SYNFlag, nil)
	dev.expect(t)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rst := dev.expect(t)
	if !rst.RST() {
		t.Errorf("unaccepted connection got flags %#x, want RST", rst.Flags)
	}
	if _, err := l.Accept(); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept on closed listener = %v, want ErrListenerClosed", err)
	}

	l2, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind after Listener.Close: %v", err)
	}
	if l2.Port() != 8080 {
		t.Errorf("Port = %d, want 8080", l2.Port())
	}
}

func TestDeviceErrorStopsInterface(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ch := acceptAsync(l)

	// the device going away underneath the interface
	dev.Close()

	if r := waitAccept(t, ch); !errors.Is(r.err, ErrShutdown) {
		t.Errorf("Accept after device failure = %v, want ErrShutdown", r.err)
	}
	if ifce.Err() == nil {
		t.Error("Err is nil after the device failed")
	}
}

func TestResetQuadNotQueuedTwice(t *testing.T) {
	ifce, dev := newTestInterface(t)
	l, err := ifce.Bind(8080)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	dev.inject(t, peerAddr, localAddr, peerISS, 0, SYNFlag, nil)
	dev.expect(t)
	// an ACK for something we never sent resets the half-open connection
	dev.inject(t, peerAddr, localAddr, peerISS+1, 999, ACKFlag, nil)
	if rst := dev.expect(t); !rst.RST() {
		t.Fatalf("expected RST, got flags %#x", rst.Flags)
	}
	// the peer retries on the same quad
	dev.inject(t, peerAddr, localAddr, peerISS, 0, SYNFlag, nil)
	if synAck := dev.expect(t); synAck.Flags != SYNFlag|ACKFlag {
		t.Fatalf("expected SYN-ACK, got flags %#x", synAck.Flags)
	}

	// the SYN-ACK is written under the lock, so the queue is settled here
	ifce.cm.mu.Lock()
	queued := len(ifce.cm.pending[8080])
	conns := len(ifce.cm.connections)
	ifce.cm.mu.Unlock()
	if queued != 1 || conns != 1 {
		t.Fatalf("accept queue holds %d quads and table %d connections, want 1 and 1", queued, conns)
	}

	r := waitAccept(t, acceptAsync(l))
	if r.err != nil {
		t.Fatalf("Accept: %v", r.err)
	}
	ifce.cm.mu.Lock()
	queued = len(ifce.cm.pending[8080])
	ifce.cm.mu.Unlock()
	if queued != 0 {
		t.Errorf("accept queue holds %d quads after the only Accept, want 0", queued)
	}
}
