package lib

func SeqIncrement(seq uint32) uint32 {
	return uint32(uint64(seq) + 1) // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc)) // implicit modulo operation included
}

func SeqDecrement(seq uint32) uint32 {
	return seq - 1 // unsigned wraparound
}

// isBetweenWrapped reports whether x lies strictly after start and strictly
// before end, walking the 32-bit sequence space forward from start.
func isBetweenWrapped(start, x, end uint32) bool {
	return x != start && end-start > x-start
}

// seqInWindow reports whether val lies in [start, end) in sequence space.
func seqInWindow(start, end, val uint32) bool {
	return isBetweenWrapped(SeqDecrement(start), val, end)
}

// segmentValid is the RFC 793 acceptability test for an incoming segment.
//
//	SEG.LEN  RCV.WND  acceptable iff
//	0        0        SEG.SEQ = RCV.NXT
//	0        >0       RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	>0       0        never
//	>0       >0       RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	                  or RCV.NXT =< SEG.SEQ+SEG.LEN-1 < RCV.NXT+RCV.WND
func segmentValid(recvNxt uint32, recvWnd uint16, seqn, slen uint32) bool {
	wend := SeqIncrementBy(recvNxt, uint32(recvWnd))
	if slen == 0 {
		if recvWnd == 0 {
			return seqn == recvNxt
		}
		return seqInWindow(recvNxt, wend, seqn)
	}
	if recvWnd == 0 {
		return false
	}
	return seqInWindow(recvNxt, wend, seqn) ||
		seqInWindow(recvNxt, wend, SeqIncrementBy(seqn, slen-1))
}
