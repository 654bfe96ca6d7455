package lib

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	DefaultTunName       = "tun0"
	DefaultFrameSize     = 1500 // largest frame the state machine builds in one write
	DefaultLocalWindow   = 1024 // receive window advertised in every outgoing segment
	DefaultSendQueueSize = 1024 // capacity of a connection's outbound queue
	DefaultFramePoolSize = 64   // receive buffers circulating between reader and loop
	DefaultTTL           = 64
)

const (
	IpHeaderLength  = 20 // options are never emitted
	TcpHeaderLength = 20 //options not included
)

// State is the subset of RFC 793 connection states this stack implements.
// CLOSED and LISTEN are not represented: a closed quad has no table entry and
// a listening port has an entry in the pending map.
type State uint8

const (
	SynRcvd State = iota
	Estab
	FinWait1
	FinWait2
	TimeWait
)

func (s State) String() string {
	switch s {
	case SynRcvd:
		return "SYN-RECEIVED"
	case Estab:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN-WAIT-1"
	case FinWait2:
		return "FIN-WAIT-2"
	case TimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

// ShutdownHow selects which half of a stream Shutdown closes.
type ShutdownHow uint8

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)
