package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Frame is a receive buffer for one raw frame read from the device. Frames
// live in a ring pool and circulate between the device reader and the
// ingestion loop.
type Frame struct {
	buf    []byte
	length int
}

// NewFrame is the ring pool constructor. It takes one parameter: the buffer
// length in bytes.
func NewFrame(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewFrame: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Println("NewFrame: Invalid bufferLength. Should be a positive int")
		return nil
	}
	return &Frame{
		buf: make([]byte, bufferLength),
	}
}

// Reset resets the content of the frame
func (f *Frame) Reset() {
	clear(f.buf[:f.length])
	f.length = 0
}

// PrintContent prints the content of the frame
func (f *Frame) PrintContent() {
	fmt.Printf("Frame: % x\n", f.buf[:f.length])
}

// Buffer exposes the whole backing array for a device read.
func (f *Frame) Buffer() []byte {
	return f.buf
}

func (f *Frame) SetLength(n int) {
	f.length = n
}

func (f *Frame) GetSlice() []byte {
	return f.buf[:f.length]
}

// framePool wraps the ring pool of receive frames.
type framePool struct {
	pool *rp.RingPool
}

func newFramePool(size, frameSize int, debug bool) *framePool {
	rp.Debug = debug
	return &framePool{pool: rp.NewRingPool("Frame: ", size, NewFrame, frameSize)}
}

func (p *framePool) get() *rp.Element {
	return p.pool.GetElement()
}

func (p *framePool) put(e *rp.Element) {
	if e != nil {
		p.pool.ReturnElement(e)
	}
}

func frameOf(e *rp.Element) *Frame {
	return e.Data.(*Frame)
}
