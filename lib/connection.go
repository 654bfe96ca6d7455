package lib

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"
)

// State of the Send Sequence Space (RFC 793 S3.2 F4)
//
//	           1         2          3          4
//	      ----------|----------|----------|----------
//	             SND.UNA    SND.NXT    SND.UNA
//	                                  +SND.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers of unacknowledged data
//	3 - sequence numbers allowed for new data transmission
//	4 - future sequence numbers which are not yet allowed
type sendSequenceSpace struct {
	una uint32 // send unacknowledged
	nxt uint32 // send next
	wnd uint16 // send window
	up  bool   // send urgent pointer
	wl1 uint32 // segment sequence number used for last window update
	wl2 uint32 // segment acknowledgment number used for last window update
	iss uint32 // initial send sequence number
}

// State of the Receive Sequence Space (RFC 793 S3.2 F5)
//
//	               1          2          3
//	           ----------|----------|----------
//	                  RCV.NXT    RCV.NXT
//	                            +RCV.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers allowed for new reception
//	3 - future sequence numbers which are not yet allowed
type recvSequenceSpace struct {
	nxt uint32 // receive next
	wnd uint16 // receive window
	up  bool   // receive urgent pointer
	irs uint32 // initial receive sequence number
}

// connectionConfig carries the per-interface settings every connection
// needs. It is built once by the Interface.
type connectionConfig struct {
	frameSize     int
	localWindow   uint16
	sendQueueSize int
	ttl           uint8
	iss           func() uint32
	mu            sync.Locker // the manager lock; readVar waits on it
	log           *zap.Logger
}

func zeroISS() uint32 { return 0 }

func randomISS() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// Connection is the TCB of one quad. All fields are guarded by the manager
// lock; only the ingestion loop calls the methods that emit segments.
type Connection struct {
	quad  Quad
	state State
	send  sendSequenceSpace
	recv  recvSequenceSpace
	ttl   uint8

	frameSize int
	sbuf      gopacket.SerializeBuffer

	incoming bytes.Buffer           // delivered bytes not yet read by the application
	unacked  *ringbuffer.RingBuffer // bytes written by the application, bounded
	readVar  *sync.Cond

	finRequested   bool // application asked for FIN; sent by the loop
	abortRequested bool // application asked for RST; sent by the loop
	released       bool // no application handle refers to this connection any more
	readClosed     bool // ShutdownRead: discard further input
	peerClosed     bool // FIN received from the peer
	reset          bool // connection is dead and must leave the table

	segsSent uint64
	segsRecv uint64

	log *zap.Logger
}

// accept creates a connection for an incoming SYN and answers with SYN+ACK.
// It returns nil without side effects when seg is not a SYN.
func accept(w io.Writer, seg *Segment, cfg *connectionConfig) (*Connection, error) {
	if !seg.SYN() || seg.RST() {
		// only expected SYN packet
		return nil, nil
	}
	iss := cfg.iss()
	c := &Connection{
		quad:  seg.Quad,
		state: SynRcvd,
		send: sendSequenceSpace{
			iss: iss,
			una: iss,
			nxt: iss,
			wnd: cfg.localWindow,
		},
		recv: recvSequenceSpace{
			irs: seg.Seq,
			nxt: SeqIncrement(seg.Seq),
			wnd: seg.Window,
		},
		ttl:       cfg.ttl,
		frameSize: cfg.frameSize,
		sbuf:      gopacket.NewSerializeBuffer(),
		unacked:   ringbuffer.New(cfg.sendQueueSize),
		readVar:   sync.NewCond(cfg.mu),
		log:       cfg.log.With(zap.Stringer("quad", seg.Quad)),
	}
	c.segsRecv++

	if _, err := c.write(w, SYNFlag|ACKFlag, nil); err != nil {
		return nil, err
	}
	c.log.Debug("SYN received, SYN-ACK sent", zap.Uint32("iss", iss), zap.Uint32("irs", seg.Seq))
	return c, nil
}

// write synthesizes one segment carrying flags and as much of payload as fits
// in a frame, transmits it, and advances SND.NXT by the sequence space the
// segment consumed.
func (c *Connection) write(w io.Writer, flags uint8, payload []byte) (int, error) {
	maxPayload := c.frameSize - IpHeaderLength - TcpHeaderLength
	if maxPayload < 0 {
		maxPayload = 0
	}
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	frame, err := marshalFrame(c.sbuf, header{
		src:    c.quad.Dst,
		dst:    c.quad.Src,
		seq:    c.send.nxt,
		ack:    c.recv.nxt,
		window: c.send.wnd,
		flags:  flags,
		ttl:    c.ttl,
	}, payload)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(frame); err != nil {
		return 0, fmt.Errorf("sending segment for %s: %w", c.quad, err)
	}
	c.segsSent++
	seq := c.send.nxt

	// SYN and FIN each occupy one sequence number
	c.send.nxt = SeqIncrementBy(c.send.nxt, uint32(len(payload)))
	if flags&SYNFlag != 0 {
		c.send.nxt = SeqIncrement(c.send.nxt)
	}
	if flags&FINFlag != 0 {
		c.send.nxt = SeqIncrement(c.send.nxt)
	}
	c.log.Debug("segment sent",
		zap.Uint8("flags", flags),
		zap.Uint32("seq", seq),
		zap.Uint32("ack", c.recv.nxt),
		zap.Int("len", len(payload)))
	return len(payload), nil
}

// sendReset emits <SEQ=seq><CTL=RST> and marks the connection dead.
func (c *Connection) sendReset(w io.Writer, seq uint32) error {
	c.reset = true
	c.readVar.Broadcast()
	frame, err := marshalFrame(c.sbuf, header{
		src:   c.quad.Dst,
		dst:   c.quad.Src,
		seq:   seq,
		flags: RSTFlag,
		ttl:   c.ttl,
	}, nil)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("sending reset for %s: %w", c.quad, err)
	}
	c.segsSent++
	c.log.Debug("reset sent", zap.Uint32("seq", seq), zap.Stringer("state", c.state))
	return nil
}

// onPacket advances the state machine by one inbound segment.
func (c *Connection) onPacket(w io.Writer, seg *Segment) error {
	c.segsRecv++
	seqn := seg.Seq
	slen := seg.Len()

	if !segmentValid(c.recv.nxt, c.recv.wnd, seqn, slen) {
		c.log.Debug("unacceptable segment",
			zap.Uint32("seq", seqn),
			zap.Uint32("len", slen),
			zap.Uint32("rcv.nxt", c.recv.nxt),
			zap.Uint16("rcv.wnd", c.recv.wnd))
		_, err := c.write(w, ACKFlag, nil)
		return err
	}

	if seg.RST() {
		c.log.Info("connection reset by peer", zap.Stringer("state", c.state))
		c.reset = true
		c.readVar.Broadcast()
		return nil
	}

	sent := c.segsSent
	delivered := c.deliver(seg)
	if err := c.advance(w, seg); err != nil {
		return err
	}
	if delivered && !c.reset && c.segsSent == sent {
		_, err := c.write(w, ACKFlag, nil)
		return err
	}
	return nil
}

// deliver queues the part of the payload at or after RCV.NXT for the
// application. Out-of-order data is not reassembled.
func (c *Connection) deliver(seg *Segment) bool {
	if len(seg.Payload) == 0 {
		return false
	}
	start := seg.Seq
	if seg.SYN() {
		start = SeqIncrement(start)
	}
	data := seg.Payload
	if behind := c.recv.nxt - start; behind < 1<<31 {
		if behind >= uint32(len(data)) {
			return false // entirely a duplicate
		}
		data = data[behind:]
	} else {
		c.log.Debug("segment beyond RCV.NXT, gap not reassembled", zap.Uint32("seq", start))
	}
	if c.readClosed {
		return true
	}
	c.incoming.Write(data)
	c.readVar.Broadcast()
	return true
}

// advance runs the post-acceptability steps of segment processing.
func (c *Connection) advance(w io.Writer, seg *Segment) error {
	c.recv.nxt = SeqIncrementBy(seg.Seq, seg.Len())

	if !seg.ACK() {
		return nil
	}
	ackn := seg.Ack

	if c.state == SynRcvd {
		// the handshake window is one wider on the left than the steady-state one
		if isBetweenWrapped(SeqDecrement(c.send.una), ackn, SeqIncrement(c.send.nxt)) {
			c.log.Debug("handshake complete", zap.Uint32("ack", ackn))
			c.state = Estab
		} else {
			c.log.Debug("unacceptable ACK during handshake", zap.Uint32("ack", ackn))
			return c.sendReset(w, ackn)
		}
	}

	wasFinWait1 := c.state == FinWait1
	justClosed := false
	if c.state == Estab || c.state == FinWait1 {
		if !isBetweenWrapped(c.send.una, ackn, SeqIncrement(c.send.nxt)) {
			c.log.Debug("ACK outside send window, dropped",
				zap.Uint32("ack", ackn),
				zap.Uint32("snd.una", c.send.una),
				zap.Uint32("snd.nxt", c.send.nxt))
			return nil
		}
		c.send.una = ackn

		if c.state == Estab {
			// now let's terminate the connection
			if _, err := c.write(w, ACKFlag|FINFlag, nil); err != nil {
				return err
			}
			c.log.Debug("state change", zap.Stringer("from", Estab), zap.Stringer("to", FinWait1))
			c.state = FinWait1
			justClosed = true
		}
	}

	// a plain ACK only completes a FIN sent earlier; a FIN riding on the
	// handshake ACK closes both halves in this one segment
	if wasFinWait1 || (justClosed && seg.FIN()) {
		c.log.Debug("state change", zap.Stringer("from", FinWait1), zap.Stringer("to", FinWait2))
		c.state = FinWait2
	}

	if seg.FIN() {
		if c.state != FinWait2 {
			c.log.Info("FIN received outside FIN-WAIT-2, resetting", zap.Stringer("state", c.state))
			return c.sendReset(w, c.send.nxt)
		}
		if _, err := c.write(w, ACKFlag, nil); err != nil {
			return err
		}
		c.state = TimeWait
		c.peerClosed = true
		c.readVar.Broadcast()
		c.log.Debug("state change", zap.Stringer("from", FinWait2), zap.Stringer("to", TimeWait))
	}
	return nil
}

// close sends FIN on behalf of the application.
func (c *Connection) close(w io.Writer) error {
	c.finRequested = false
	if c.reset {
		return nil
	}
	switch c.state {
	case SynRcvd, Estab:
		if _, err := c.write(w, ACKFlag|FINFlag, nil); err != nil {
			return err
		}
		c.log.Debug("state change", zap.Stringer("from", c.state), zap.Stringer("to", FinWait1))
		c.state = FinWait1
	}
	return nil
}

// abort tears the connection down with a reset.
func (c *Connection) abort(w io.Writer) error {
	c.abortRequested = false
	if c.reset {
		return nil
	}
	return c.sendReset(w, c.send.nxt)
}

// done reports whether the connection can leave the table.
func (c *Connection) done() bool {
	return c.reset || (c.state == TimeWait && c.released)
}
