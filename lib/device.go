package lib

import "io"

// Device is the virtual network interface the stack runs on. Read returns
// exactly one raw IPv4 datagram per call and Write sends one. Close must
// unblock a pending Read.
type Device interface {
	io.ReadWriteCloser
}
