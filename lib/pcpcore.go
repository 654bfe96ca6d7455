package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"go.uber.org/zap"
)

type InterfaceConfig struct {
	TunName       string      // name of the TUN device opened by Open
	FrameSize     int         // maximum frame length read or written, IP header included
	LocalWindow   uint16      // receive window advertised to peers
	SendQueueSize int         // per-connection outbound queue capacity
	FramePoolSize int         // how many receive frames circulate in the ring pool
	TTL           uint8       // TTL of emitted datagrams
	RandomISS     bool        // false pins the initial send sequence number to zero
	BlockingRead  bool        // default read mode of accepted streams
	Debug         bool        // per-segment tracing
	PoolDebug     bool        // ring pool debug setting
	Logger        *zap.Logger // overrides the logger built from Debug
}

func DefaultInterfaceConfig() *InterfaceConfig {
	return &InterfaceConfig{
		TunName:       DefaultTunName,
		FrameSize:     DefaultFrameSize,
		LocalWindow:   DefaultLocalWindow,
		SendQueueSize: DefaultSendQueueSize,
		FramePoolSize: DefaultFramePoolSize,
		TTL:           DefaultTTL,
		RandomISS:     true,
		BlockingRead:  false,
		Debug:         false,
		PoolDebug:     false,
	}
}

func (cfg *InterfaceConfig) validate() error {
	if cfg.FrameSize < IpHeaderLength+TcpHeaderLength {
		return fmt.Errorf("frame size %d cannot hold an IPv4 and a TCP header", cfg.FrameSize)
	}
	if cfg.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive, got %d", cfg.SendQueueSize)
	}
	if cfg.FramePoolSize <= 0 {
		return fmt.Errorf("frame pool size must be positive, got %d", cfg.FramePoolSize)
	}
	return nil
}

// connectionManager is the table shared by the ingestion loop and every
// Listener and Stream. All fields are guarded by mu.
type connectionManager struct {
	mu          sync.Mutex
	pendingVar  *sync.Cond
	terminate   bool
	connections map[Quad]*Connection
	pending     map[uint16][]Quad // ports with a bound listener, and their accept queues
}

func newConnectionManager() *connectionManager {
	cm := &connectionManager{
		connections: make(map[Quad]*Connection),
		pending:     make(map[uint16][]Quad),
	}
	cm.pendingVar = sync.NewCond(&cm.mu)
	return cm
}

// Interface owns the device and the ingestion goroutine.
type Interface struct {
	config   *InterfaceConfig
	connCfg  *connectionConfig
	cm       *connectionManager
	dev      Device
	pool     *framePool
	log      *zap.Logger
	frames   chan *rp.Element
	kick     chan struct{} // handles ask the loop to service FIN/abort requests
	readErr  chan error
	closing  chan struct{} // closed by Close
	loopDone chan struct{} // closed when the ingestion loop has returned
	wg       sync.WaitGroup
	once     sync.Once
	errMu    sync.Mutex
	err      error
}

// Open opens the TUN device named in cfg and starts an Interface on it.
func Open(cfg *InterfaceConfig) (*Interface, error) {
	if cfg == nil {
		cfg = DefaultInterfaceConfig()
	}
	dev, err := OpenTun(cfg.TunName)
	if err != nil {
		return nil, err
	}
	ifce, err := NewInterface(cfg, dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return ifce, nil
}

// NewInterface starts the ingestion loop on dev. The Interface takes
// ownership of dev and closes it on Close.
func NewInterface(cfg *InterfaceConfig, dev Device) (*Interface, error) {
	if cfg == nil {
		cfg = DefaultInterfaceConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = newLogger(cfg.Debug)
	}

	cm := newConnectionManager()
	iss := zeroISS
	if cfg.RandomISS {
		iss = randomISS
	}
	ifce := &Interface{
		config: cfg,
		connCfg: &connectionConfig{
			frameSize:     cfg.FrameSize,
			localWindow:   cfg.LocalWindow,
			sendQueueSize: cfg.SendQueueSize,
			ttl:           cfg.TTL,
			iss:           iss,
			mu:            &cm.mu,
			log:           logger,
		},
		cm:       cm,
		dev:      dev,
		pool:     newFramePool(cfg.FramePoolSize, cfg.FrameSize, cfg.PoolDebug),
		log:      logger,
		frames:   make(chan *rp.Element),
		kick:     make(chan struct{}, 1),
		readErr:  make(chan error, 1),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	ifce.wg.Add(2)
	go ifce.readFrames()
	go ifce.packetLoop()

	logger.Info("interface started", zap.Int("frameSize", cfg.FrameSize), zap.Uint16("window", cfg.LocalWindow))
	return ifce, nil
}

// Bind registers a listener on port.
func (ifce *Interface) Bind(port uint16) (*Listener, error) {
	cm := ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.terminate {
		return nil, ErrShutdown
	}
	if _, ok := cm.pending[port]; ok {
		return nil, fmt.Errorf("bind %d: %w", port, ErrAddrInUse)
	}
	cm.pending[port] = []Quad{}
	ifce.log.Info("listener bound", zap.Uint16("port", port))
	return &Listener{port: port, ifce: ifce}, nil
}

// Err returns the device error that stopped the interface, if any.
func (ifce *Interface) Err() error {
	ifce.errMu.Lock()
	defer ifce.errMu.Unlock()
	return ifce.err
}

// Close shuts the interface down: blocked Accept and Read calls fail with
// ErrShutdown, live connections are reset, and the device is closed.
func (ifce *Interface) Close() error {
	var err error
	ifce.once.Do(func() {
		ifce.cm.mu.Lock()
		ifce.cm.terminate = true
		ifce.cm.pendingVar.Broadcast()
		for _, c := range ifce.cm.connections {
			c.readVar.Broadcast()
		}
		ifce.cm.mu.Unlock()

		close(ifce.closing)
		<-ifce.loopDone // the loop still needs the device to send resets
		err = ifce.dev.Close()
		ifce.wg.Wait()
		ifce.log.Info("interface closed")
		ifce.log.Sync()
	})
	return err
}

// notify wakes the loop so it services pending close requests.
func (ifce *Interface) notify() {
	select {
	case ifce.kick <- struct{}{}:
	default:
	}
}

// readFrames pulls frames off the device into pool buffers and hands them to
// the loop. It stops when the device is closed.
func (ifce *Interface) readFrames() {
	defer ifce.wg.Done()

	for {
		elem := ifce.pool.get()
		frame := frameOf(elem)
		n, err := ifce.dev.Read(frame.Buffer())
		if err != nil {
			ifce.pool.put(elem)
			select {
			case <-ifce.closing:
			default:
				ifce.readErr <- err
			}
			return
		}
		frame.SetLength(n)
		select {
		case ifce.frames <- elem:
		case <-ifce.closing:
			ifce.pool.put(elem)
			return
		}
	}
}

// packetLoop is the only goroutine that transmits and runs state transitions.
func (ifce *Interface) packetLoop() {
	defer ifce.wg.Done()
	defer close(ifce.loopDone)

	for {
		select {
		case <-ifce.closing:
			ifce.teardown()
			return
		case err := <-ifce.readErr:
			ifce.fail(fmt.Errorf("reading from device: %w", err))
			return
		case <-ifce.kick:
			if err := ifce.serviceRequests(); err != nil {
				ifce.fail(err)
				return
			}
		case elem := <-ifce.frames:
			err := ifce.handleFrame(frameOf(elem).GetSlice())
			ifce.pool.put(elem)
			if err != nil {
				ifce.fail(err)
				return
			}
		}
	}
}

// handleFrame dispatches one frame. Only device write errors are returned;
// anything wrong with the frame itself is logged and dropped.
func (ifce *Interface) handleFrame(frame []byte) error {
	seg, err := parseFrame(frame, true)
	if err != nil {
		ifce.log.Debug("ignoring weird packet", zap.Error(err), zap.Int("len", len(frame)))
		return nil
	}
	q := seg.Quad

	cm := ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if c, ok := cm.connections[q]; ok {
		ifce.log.Debug("got packet for known quad", zap.Stringer("quad", q))
		err := c.onPacket(ifce.dev, seg)
		ifce.reap(q, c)
		return err
	}

	pending, ok := cm.pending[q.Dst.Port()]
	if !ok {
		ifce.log.Debug("got packet for unknown quad, no listener", zap.Stringer("quad", q))
		return nil
	}
	ifce.log.Debug("listening, so accepting", zap.Stringer("quad", q))
	c, err := accept(ifce.dev, seg, ifce.connCfg)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	cm.connections[q] = c
	cm.pending[q.Dst.Port()] = append(pending, q)
	cm.pendingVar.Broadcast()
	return nil
}

// serviceRequests sends the FINs and resets application handles asked for.
func (ifce *Interface) serviceRequests() error {
	cm := ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for q, c := range cm.connections {
		var err error
		switch {
		case c.abortRequested:
			err = c.abort(ifce.dev)
		case c.finRequested:
			err = c.close(ifce.dev)
		}
		ifce.reap(q, c)
		if err != nil {
			return err
		}
	}
	return nil
}

// reap removes c from the table, and from its port's accept queue if it was
// never accepted, once it is finished. Caller holds cm.mu.
func (ifce *Interface) reap(q Quad, c *Connection) {
	if !c.done() {
		return
	}
	delete(ifce.cm.connections, q)
	port := q.Dst.Port()
	if queue, ok := ifce.cm.pending[port]; ok {
		for i, pq := range queue {
			if pq == q {
				ifce.cm.pending[port] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
	}
	ifce.log.Debug("connection removed",
		zap.Stringer("quad", q),
		zap.Stringer("state", c.state),
		zap.Bool("reset", c.reset),
		zap.Uint64("segsSent", c.segsSent),
		zap.Uint64("segsRecv", c.segsRecv))
}

// teardown resets every live connection and empties the table.
func (ifce *Interface) teardown() {
	cm := ifce.cm
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for q, c := range cm.connections {
		if !c.reset && c.state != TimeWait {
			if err := c.abort(ifce.dev); err != nil {
				ifce.log.Debug("reset on teardown failed", zap.Stringer("quad", q), zap.Error(err))
			}
		}
		c.reset = true
		c.readVar.Broadcast()
		delete(cm.connections, q)
	}
	for port := range cm.pending {
		delete(cm.pending, port)
	}
	cm.pendingVar.Broadcast()
}

// fail records a fatal device error and stops the interface.
func (ifce *Interface) fail(err error) {
	ifce.errMu.Lock()
	if ifce.err == nil {
		ifce.err = err
	}
	ifce.errMu.Unlock()
	ifce.log.Error("interface stopped", zap.Error(err))

	ifce.cm.mu.Lock()
	ifce.cm.terminate = true
	ifce.cm.mu.Unlock()
	ifce.teardown()
}
