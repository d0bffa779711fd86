package chmux

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Connect establishes a multiplexer over a transport and exposes the
// primordial sender/receiver pair bound to the reserved root port (id 0),
// which needs no OPEN/OPENED handshake: both sides agree it exists once the
// HELLO negotiation completes (spec.md §6).
var Connect connectNamespace

type connectNamespace struct{}

// Framed establishes chmux over a transport that already presents itself as
// a reliable, ordered duplex byte stream (spec.md §6): TCP, an in-memory
// pipe, a wrapped WebSocket connection, etc.
func (connectNamespace) Framed(cfg Config, conn io.ReadWriteCloser) (*Mux, *Sender, *Receiver, error) {
	if err := cfg.Verify(); err != nil {
		return nil, nil, nil, err
	}
	return newMux(cfg, conn, true)
}

// IOBuffered wraps raw, unbuffered read/write streams with a buffered
// adapter (bufio, sized by bufferBytes) before establishing chmux over them,
// for transports that hand over plain io.Reader/io.Writer rather than
// something already framed.
func (connectNamespace) IOBuffered(cfg Config, r io.Reader, w io.Writer, closer io.Closer, bufferBytes int) (*Mux, *Sender, *Receiver, error) {
	if bufferBytes <= 0 {
		bufferBytes = 64 * 1024
	}
	br := bufio.NewReaderSize(r, bufferBytes)
	bw := bufio.NewWriterSize(w, bufferBytes)
	conn := &flushingReadWriteCloser{r: br, w: bw, c: closer}
	if err := cfg.Verify(); err != nil {
		return nil, nil, nil, err
	}
	return newMux(cfg, conn, true)
}

// Accept is the server-side counterpart of Framed/IOBuffered: it performs
// the same handshake on the passive (listening) side. The side is only
// recorded for logging; it affects neither request ids nor port numbering
// (chmux assigns both sides' port ids from independent allocators, unlike
// parity-based muxers).
func (connectNamespace) Accept(cfg Config, conn io.ReadWriteCloser) (*Mux, *Sender, *Receiver, error) {
	if err := cfg.Verify(); err != nil {
		return nil, nil, nil, err
	}
	return newMux(cfg, conn, false)
}

type flushingReadWriteCloser struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

func (f *flushingReadWriteCloser) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *flushingReadWriteCloser) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}

func (f *flushingReadWriteCloser) Close() error {
	_ = f.w.Flush()
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

func newMux(cfg Config, conn io.ReadWriteCloser, client bool) (*Mux, *Sender, *Receiver, error) {
	allocator, err := NewPortAllocator(cfg.MaxPorts)
	if err != nil {
		return nil, nil, nil, err
	}

	m := &Mux{
		conn:             conn,
		cfg:              cfg,
		client:           client,
		log:              cfg.Logger,
		allocator:        allocator,
		ports:            make(map[uint32]*portState),
		pendingOpens:     make(map[uint32]chan openResult),
		globalSendNotify: make(chan struct{}, 1),
		globalRecvBucket: int32(cfg.GlobalReceiveWindow),
		die:              make(chan struct{}),
		acceptCh:         make(chan ServerEvent, 64),
		chReadErr:        make(chan struct{}),
		chWriteErr:       make(chan struct{}),
		chProtoErr:       make(chan struct{}),
		ctrlWrites:       make(chan frame, 256),
		dataWrites:       make(chan frame, 1024),
		goodbyeRecv:      make(chan struct{}),
	}

	if err := handshake(m); err != nil {
		_ = conn.Close()
		return nil, nil, nil, err
	}

	go m.writerLoop()
	go m.recvLoop()
	go m.keepaliveLoop()

	root := newPortState(0, nil, cfg)
	root.peerID = 0
	root.sendCredits = int64(cfg.PortReceiveBuffer)
	m.portsMu.Lock()
	m.ports[0] = root
	m.portsMu.Unlock()

	m.log.Debug("chmux: connection established", zap.Bool("client", client), zap.Uint32("chunk_size", m.effectiveChunkSize))

	return m, &Sender{port: root, mux: m}, &Receiver{port: root, mux: m}, nil
}

// handshake implements spec.md §4.3's connect handshake: both sides send a
// HELLO, the effective chunk size is the min of both, and the peer's
// advertised receive buffer seeds our initial global send credit.
func handshake(m *Mux) error {
	nonce := randNonce()
	hello := helloPayload{
		features:   featurePortData,
		chunkSize:  m.cfg.ChunkSize,
		receiveBuf: m.cfg.GlobalReceiveWindow,
		nonce:      nonce,
	}

	deadline := time.Now().Add(m.cfg.ConnectionTimeout)
	if dl, ok := m.conn.(interface{ SetDeadline(time.Time) error }); ok {
		_ = dl.SetDeadline(deadline)
		defer dl.SetDeadline(time.Time{})
	}

	// Write our HELLO on a separate goroutine from the read below: over a
	// transport with no internal buffering (e.g. net.Pipe, or a small-window
	// socket) both sides writing before either reads would otherwise
	// deadlock, since neither Write can return until the peer drains it.
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeFrame(m.conn, newFrame(cmdHello, 0, encodeHello(hello)))
	}()

	f, err := readFrame(m.conn, maxFramePayload)
	if err != nil {
		<-writeErr
		return fmt.Errorf("chmux: handshake: %w", err)
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("chmux: handshake: %w", err)
	}
	if f.cmd != cmdHello {
		return fmt.Errorf("%w: expected HELLO, got %s", ErrHandshakeFailed, f.cmd)
	}
	peer, err := decodeHello(f.payload)
	if err != nil {
		return fmt.Errorf("chmux: handshake: %w", err)
	}
	if peer.features&featurePortData == 0 {
		return fmt.Errorf("%w: peer lacks mandatory port_data feature", ErrHandshakeFailed)
	}

	chunkSize := peer.chunkSize
	if m.cfg.ChunkSize < chunkSize {
		chunkSize = m.cfg.ChunkSize
	}
	if chunkSize == 0 {
		return fmt.Errorf("%w: zero effective chunk size", ErrHandshakeFailed)
	}
	m.effectiveChunkSize = chunkSize
	m.cfg.ChunkSize = chunkSize
	m.globalSendCredits = int64(peer.receiveBuf)

	return nil
}

// Redialer wraps a dial function with jittered exponential backoff between
// attempts, the way ngrok's agent session reconnects to the ngrok edge.
type Redialer struct {
	Dial func() (io.ReadWriteCloser, error)
	b    backoff.Backoff
}

// NewRedialer builds a Redialer with the given min/max backoff bounds.
func NewRedialer(dial func() (io.ReadWriteCloser, error), min, max time.Duration) *Redialer {
	return &Redialer{
		Dial: dial,
		b:    backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true},
	}
}

// Connect retries Dial, sleeping with backoff between attempts, until it
// succeeds or ctx-like cancel channel fires.
func (r *Redialer) Connect(cfg Config, cancel <-chan struct{}) (*Mux, *Sender, *Receiver, error) {
	for {
		conn, err := r.Dial()
		if err == nil {
			m, tx, rx, err := Connect.Framed(cfg, conn)
			if err == nil {
				r.b.Reset()
				return m, tx, rx, nil
			}
		}
		d := r.b.Duration()
		select {
		case <-time.After(d):
		case <-cancel:
			return nil, nil, nil, ErrConnectionClosed
		}
	}
}
