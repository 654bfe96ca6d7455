package lib

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Quad identifies a connection. Src is the remote peer (the source of
// inbound segments) and Dst is the local end. Quads are compared as values,
// so a quad with Src and Dst swapped is a different connection.
type Quad struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

func (q Quad) String() string {
	return fmt.Sprintf("%s->%s", q.Src, q.Dst)
}

// Segment is a decoded inbound IPv4/TCP segment.
type Segment struct {
	Quad    Quad
	Seq     uint32 // SEG.SEQ
	Ack     uint32 // SEG.ACK
	Window  uint16 // SEG.WND
	Flags   uint8
	Payload []byte // aliases the frame it was decoded from
}

func (s *Segment) SYN() bool { return s.Flags&SYNFlag != 0 }
func (s *Segment) ACK() bool { return s.Flags&ACKFlag != 0 }
func (s *Segment) FIN() bool { return s.Flags&FINFlag != 0 }
func (s *Segment) RST() bool { return s.Flags&RSTFlag != 0 }

// Len is SEG.LEN: payload bytes plus one for each of SYN and FIN.
func (s *Segment) Len() uint32 {
	slen := uint32(len(s.Payload))
	if s.FIN() {
		slen++
	}
	if s.SYN() {
		slen++
	}
	return slen
}

// parseFrame decodes an IPv4 datagram carrying TCP. When verify is set the
// TCP checksum is checked against the pseudo-header.
func parseFrame(frame []byte, verify bool) (*Segment, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, &ParseError{Layer: "ipv4", Err: err}
	}
	if ip.Version != 4 {
		return nil, &ParseError{Layer: "ipv4", Err: fmt.Errorf("version %d", ip.Version)}
	}
	if ip.Protocol != layers.IPProtocolTCP {
		return nil, &ParseError{Layer: "ipv4", Err: fmt.Errorf("protocol %s is not tcp", ip.Protocol)}
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, &ParseError{Layer: "tcp", Err: err}
	}
	src, ok := netip.AddrFromSlice(ip.SrcIP.To4())
	if !ok {
		return nil, &ParseError{Layer: "ipv4", Err: fmt.Errorf("bad source address %v", ip.SrcIP)}
	}
	dst, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return nil, &ParseError{Layer: "ipv4", Err: fmt.Errorf("bad destination address %v", ip.DstIP)}
	}
	if verify && !VerifyChecksum(ip.Payload, src, dst) {
		return nil, &ParseError{Layer: "tcp", Err: fmt.Errorf("checksum mismatch")}
	}

	return &Segment{
		Quad: Quad{
			Src: netip.AddrPortFrom(src, uint16(tcp.SrcPort)),
			Dst: netip.AddrPortFrom(dst, uint16(tcp.DstPort)),
		},
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Window:  tcp.Window,
		Flags:   tcpFlags(&tcp),
		Payload: tcp.Payload,
	}, nil
}

// header holds everything needed to synthesize one outgoing segment.
type header struct {
	src, dst netip.AddrPort
	seq, ack uint32
	window   uint16
	flags    uint8
	ttl      uint8
}

// marshalFrame serializes an IPv4/TCP frame with both checksums filled in.
func marshalFrame(buf gopacket.SerializeBuffer, h header, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      h.ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    h.src.Addr().AsSlice(),
		DstIP:    h.dst.Addr().AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(h.src.Port()),
		DstPort:    layers.TCPPort(h.dst.Port()),
		Seq:        h.seq,
		Ack:        h.ack,
		DataOffset: TcpHeaderLength / 4,
		Window:     h.window,
	}
	setTCPFlags(tcp, h.flags)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing segment: %w", err)
	}
	return buf.Bytes(), nil
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	if t.URG {
		f |= URGFlag
	}
	if t.ACK {
		f |= ACKFlag
	}
	if t.PSH {
		f |= PSHFlag
	}
	if t.RST {
		f |= RSTFlag
	}
	if t.SYN {
		f |= SYNFlag
	}
	if t.FIN {
		f |= FINFlag
	}
	return f
}

func setTCPFlags(t *layers.TCP, f uint8) {
	t.URG = f&URGFlag != 0
	t.ACK = f&ACKFlag != 0
	t.PSH = f&PSHFlag != 0
	t.RST = f&RSTFlag != 0
	t.SYN = f&SYNFlag != 0
	t.FIN = f&FINFlag != 0
}

func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}

	return ^uint16(cksum)
}

// VerifyChecksum checks the checksum of a TCP segment (header and payload)
// using the pseudo-header built from the IPv4 addresses.
func VerifyChecksum(segment []byte, srcAddr, dstAddr netip.Addr) bool {
	if len(segment) < TcpHeaderLength {
		return false
	}
	data := make([]byte, tcpPseudoHeaderLength+len(segment))
	assemblePseudoHeader(data[:tcpPseudoHeaderLength], srcAddr, dstAddr, uint16(len(segment)))
	copy(data[tcpPseudoHeaderLength:], segment)
	// a correct segment sums to 0xffff, whose complement is zero
	return CalculateChecksum(data) == 0
}

const tcpPseudoHeaderLength = 12

func assemblePseudoHeader(buffer []byte, srcAddr, dstAddr netip.Addr, tcpLength uint16) {
	src := srcAddr.As4()
	dst := dstAddr.As4()
	copy(buffer[0:4], src[:])
	copy(buffer[4:8], dst[:])
	buffer[8] = 0
	buffer[9] = uint8(layers.IPProtocolTCP)
	binary.BigEndian.PutUint16(buffer[10:12], tcpLength)
}
