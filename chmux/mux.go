// Package chmux implements a channel multiplexer: a connection-level state
// machine that negotiates, opens, flows, and closes a population of
// concurrent logical byte streams ("ports") over a single ordered duplex
// transport, with credit-based flow control and graceful teardown.
//
// The design follows github.com/sagernet/smux's session/stream split
// (a single reader goroutine dispatching frames, a single writer goroutine
// draining an outbound queue, atomic.Value-backed sticky errors) generalized
// to chmux's richer port model: independently-addressed send/receive halves,
// a connection-wide credit pool layered on top of per-port credits, and a
// narrow out-of-band back-channel per port.
package chmux

import (
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing/common/bufio"
	"go.uber.org/zap"
)

// lifecycle states (spec.md §3).
type muxState int32

const (
	stateRunning muxState = iota
	stateGoodbyeSent
	stateTerminated
)

// ServerEvent is published to the accept queue whenever a remote-initiated
// port is accepted.
type ServerEvent struct {
	Sender   *Sender
	Receiver *Receiver
	// UserID is the opener-supplied correlation id carried in the OPEN
	// frame (PortReq.ID on the opener's side).
	UserID uint32
}

// Mux owns a single transport connection and the population of ports
// multiplexed over it. Construct one via Connect.Framed / Connect.IOBuffered.
type Mux struct {
	conn   io.ReadWriteCloser
	cfg    Config
	client bool // true on the dialing side (Framed/IOBuffered); only logged

	log *zap.Logger

	allocator *PortAllocator

	portsMu sync.Mutex
	ports   map[uint32]*portState

	pendingMu     sync.Mutex
	pendingOpens  map[uint32]chan openResult
	nextRequestID uint32

	// connection-wide credit pools (spec.md §3, modeled on the teacher's
	// session-level token bucket).
	globalSendCredits int64 // bytes we may still send across all ports
	globalSendNotify  chan struct{}
	globalRecvBucket  int32 // bytes we may still accept across all ports
	globalRecvGranted int64 // bytes granted back to peer, pending flush
	globalRecvMu      sync.Mutex

	effectiveChunkSize uint32

	state int32 // muxState, atomic

	die     chan struct{}
	dieOnce sync.Once

	acceptCh chan ServerEvent

	readErr     atomic.Value
	readErrOnce sync.Once
	chReadErr   chan struct{}

	writeErr     atomic.Value
	writeErrOnce sync.Once
	chWriteErr   chan struct{}

	protoErr     atomic.Value
	protoErrOnce sync.Once
	chProtoErr   chan struct{}

	ctrlWrites chan frame
	dataWrites chan frame

	// goodbyeRecv is closed once the peer's GOODBYE has been dispatched,
	// telling the writer to drain whatever is already queued and then close
	// the transport itself, instead of recvLoop tearing the connection down
	// out from under in-flight DATA frames (spec.md §4.3, §8 scenario 6).
	goodbyeRecv chan struct{}
	goodbyeOnce sync.Once

	missedPongs int32
	pingNonce   uint64
}

type openResult struct {
	peerPortID     uint32
	initialCredits uint32
	rejected       bool
	reason         RejectReason
}

// Allocator returns the port allocator backing this connection's
// locally-initiated ports, for callers that want to pre-allocate a
// PortNumber (e.g. to embed it in a message before the port is opened).
func (m *Mux) Allocator() *PortAllocator { return m.allocator }

// Open allocates a fresh local port number and opens it, with the
// correlation id defaulting to the port number (spec.md §3's PortReq).
func (m *Mux) Open() (*Sender, *Receiver, error) {
	pn := m.allocator.Allocate()
	return m.OpenPort(NewPortReq(pn))
}

// TryOpen is the non-suspending form of Open: it fails immediately with
// ErrMaxPortsReached instead of waiting when the local port allocator is
// full (spec.md §7's Open/LocalLimitReached).
func (m *Mux) TryOpen() (*Sender, *Receiver, error) {
	pn, ok := m.allocator.TryAllocate()
	if !ok {
		return nil, nil, ErrMaxPortsReached
	}
	return m.OpenPort(NewPortReq(pn))
}

// OpenPort opens a port using a caller-supplied PortReq — typically one
// built from a PortNumber obtained via Allocator().Allocate(), optionally
// with WithID overriding the correlation id carried in the OPEN frame.
func (m *Mux) OpenPort(req PortReq) (*Sender, *Receiver, error) {
	if m.IsClosed() {
		req.Port.Release()
		return nil, nil, ErrConnectionClosed
	}
	if muxState(atomic.LoadInt32(&m.state)) != stateRunning {
		req.Port.Release()
		return nil, nil, ErrConnectionClosed
	}

	pn := req.Port
	ps := newPortState(pn.Number(), pn, m.cfg)

	m.portsMu.Lock()
	m.ports[ps.id] = ps
	m.portsMu.Unlock()

	reqID := atomic.AddUint32(&m.nextRequestID, 1)
	resultCh := make(chan openResult, 1)
	m.pendingMu.Lock()
	m.pendingOpens[reqID] = resultCh
	m.pendingMu.Unlock()

	payload := encodeOpen(reqID, req.ID, true)
	if err := m.sendControl(newFrame(cmdOpen, ps.id, payload)); err != nil {
		m.forgetPending(reqID)
		m.closePortLocal(ps.id)
		pn.Release()
		return nil, nil, err
	}

	timer := m.cfg.Clock.Timer(m.cfg.ConnectionTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.rejected {
			m.closePortLocal(ps.id)
			pn.Release()
			return nil, nil, &OpenError{Kind: OpenRejected, Reason: res.reason}
		}
		ps.mu.Lock()
		ps.peerID = res.peerPortID
		ps.sendCredits = int64(res.initialCredits)
		ps.mu.Unlock()
		return &Sender{port: ps, mux: m}, &Receiver{port: ps, mux: m}, nil
	case <-timer.C:
		m.forgetPending(reqID)
		m.closePortLocal(ps.id)
		pn.Release()
		return nil, nil, &OpenError{Kind: OpenTimeout}
	case <-m.die:
		m.forgetPending(reqID)
		pn.Release()
		return nil, nil, m.closeErr()
	}
}

func (m *Mux) forgetPending(reqID uint32) {
	m.pendingMu.Lock()
	delete(m.pendingOpens, reqID)
	m.pendingMu.Unlock()
}

// Accept blocks until the next remote-initiated port arrives, or the
// connection closes.
func (m *Mux) Accept() (*Sender, *Receiver, error) {
	ev, err := m.AcceptEvent()
	if err != nil {
		return nil, nil, err
	}
	return ev.Sender, ev.Receiver, nil
}

// AcceptEvent is Accept but also surfaces the opener's correlation id.
func (m *Mux) AcceptEvent() (ServerEvent, error) {
	select {
	case ev := <-m.acceptCh:
		return ev, nil
	case <-m.chProtoErr:
		return ServerEvent{}, m.protoErr.Load().(error)
	case <-m.chReadErr:
		return ServerEvent{}, m.readErr.Load().(error)
	case <-m.die:
		return ServerEvent{}, ErrConnectionClosed
	}
}

// IsClosed reports whether the connection has terminated for any reason.
func (m *Mux) IsClosed() bool {
	select {
	case <-m.die:
		return true
	case <-m.chReadErr:
		return true
	case <-m.chWriteErr:
		return true
	case <-m.chProtoErr:
		return true
	default:
		return false
	}
}

func (m *Mux) closeErr() error {
	select {
	case <-m.chProtoErr:
		return m.protoErr.Load().(error)
	case <-m.chReadErr:
		return m.readErr.Load().(error)
	case <-m.chWriteErr:
		return m.writeErr.Load().(error)
	default:
		return ErrConnectionClosed
	}
}

// Goodbye initiates graceful shutdown: stop accepting new opens, drain
// pending sends, then close the transport (spec.md §4.3).
func (m *Mux) Goodbye() error {
	if !atomic.CompareAndSwapInt32(&m.state, int32(stateRunning), int32(stateGoodbyeSent)) {
		return nil
	}
	_ = m.sendControl(newFrame(cmdGoodbye, 0, nil))
	return nil
}

// Close tears down the connection immediately.
func (m *Mux) Close() error {
	m.dieOnce.Do(func() {
		atomic.StoreInt32(&m.state, int32(stateTerminated))
		close(m.die)
		m.portsMu.Lock()
		for _, ps := range m.ports {
			ps.terminate(ErrConnectionClosed)
		}
		m.portsMu.Unlock()
	})
	return m.conn.Close()
}

// CloseChan lets callers observe connection termination without polling.
func (m *Mux) CloseChan() <-chan struct{} { return m.die }

func (m *Mux) notifyReadError(err error) {
	m.readErrOnce.Do(func() {
		m.readErr.Store(err)
		close(m.chReadErr)
		m.log.Warn("chmux: transport read error", zap.Error(err))
	})
	_ = m.Close()
}

func (m *Mux) notifyWriteError(err error) {
	m.writeErrOnce.Do(func() {
		m.writeErr.Store(err)
		close(m.chWriteErr)
		m.log.Warn("chmux: transport write error", zap.Error(err))
	})
	_ = m.Close()
}

func (m *Mux) notifyProtoError(err error) {
	m.protoErrOnce.Do(func() {
		m.protoErr.Store(err)
		close(m.chProtoErr)
		m.log.Error("chmux: protocol error", zap.Error(err))
	})
	_ = m.Close()
}

func (m *Mux) closePortLocal(id uint32) {
	m.portsMu.Lock()
	delete(m.ports, id)
	m.portsMu.Unlock()
}

// --- outbound queue ---------------------------------------------------

func (m *Mux) sendControl(f frame) error {
	select {
	case m.ctrlWrites <- f:
		return nil
	case <-m.die:
		return ErrConnectionClosed
	}
}

func (m *Mux) sendData(f frame) error {
	select {
	case m.dataWrites <- f:
		return nil
	case <-m.die:
		return ErrConnectionClosed
	}
}

// writerLoop is the sole owner of the transport's write side, preferring
// control frames over data frames (biased selection), mirroring the
// back-channel-preferred-over-data ordering spec.md §9 calls for. When the
// transport supports scatter-gather writes, the header and payload are
// emitted as a single vectorised write, the same optimization the teacher's
// sendLoop applies via sagernet/sing's bufio helpers.
func (m *Mux) writerLoop() {
	vecWriter, vectorised := bufio.CreateVectorisedWriter(m.conn)
	var vec [][]byte
	if vectorised {
		vec = make([][]byte, 2)
	}

	writeOne := func(f frame) error {
		hdr := newHeader(f.cmd, f.portID, len(f.payload))
		if vectorised {
			vec[0] = hdr[:]
			vec[1] = f.payload
			_, err := bufio.WriteVectorised(vecWriter, vec)
			return err
		}
		return writeFrame(m.conn, f)
	}

	for {
		select {
		case <-m.die:
			return
		case f := <-m.ctrlWrites:
			if err := writeOne(f); err != nil {
				m.notifyWriteError(err)
				return
			}
			continue
		default:
		}

		select {
		case <-m.die:
			return
		case <-m.goodbyeRecv:
			m.drainAndClose(writeOne)
			return
		case f := <-m.ctrlWrites:
			if err := writeOne(f); err != nil {
				m.notifyWriteError(err)
				return
			}
		case f := <-m.dataWrites:
			if err := writeOne(f); err != nil {
				m.notifyWriteError(err)
				return
			}
		}
	}
}

// drainAndClose flushes every frame already sitting in the outbound queues
// before tearing the transport down, so a peer's GOODBYE can't race ahead of
// DATA frames a Sender.Send had already handed to the writer (spec.md §4.3's
// "drain pending sends, then close the transport").
func (m *Mux) drainAndClose(writeOne func(frame) error) {
	for {
		select {
		case f := <-m.ctrlWrites:
			if err := writeOne(f); err != nil {
				m.notifyWriteError(err)
				return
			}
			continue
		case f := <-m.dataWrites:
			if err := writeOne(f); err != nil {
				m.notifyWriteError(err)
				return
			}
			continue
		default:
		}
		break
	}
	_ = m.Close()
}

// --- inbound dispatch ---------------------------------------------------

func (m *Mux) recvLoop() {
	for {
		f, err := readFrame(m.conn, int(maxFramePayload))
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				m.notifyProtoError(pe)
			} else {
				m.notifyReadError(err)
			}
			return
		}
		if m.dispatch(f) != nil {
			return
		}
	}
}

func (m *Mux) dispatch(f frame) error {
	switch f.cmd {
	case cmdOpen:
		return m.handleOpen(f)
	case cmdOpened:
		return m.handleOpened(f)
	case cmdRejected:
		return m.handleRejected(f)
	case cmdData:
		return m.handleData(f)
	case cmdPortData:
		return m.handlePortData(f)
	case cmdCredit:
		return m.handleCredit(f)
	case cmdHangup:
		return m.handleHangup(f)
	case cmdGoodbye:
		return m.handleGoodbye()
	case cmdPing:
		_ = m.sendControl(newFrame(cmdPong, 0, f.payload))
		return nil
	case cmdPong:
		atomic.StoreInt32(&m.missedPongs, 0)
		return nil
	case cmdBackchannel:
		return m.handleBackchannel(f)
	default:
		err := &ProtocolError{Kind: ProtoUnknownFrame, Detail: f.cmd.String()}
		m.notifyProtoError(err)
		return err
	}
}

func (m *Mux) handleOpen(f frame) error {
	reqID, userID, hasUserID, err := decodeOpen(f.payload)
	if err != nil {
		m.notifyProtoError(err)
		return err
	}
	m.portsMu.Lock()
	full := uint32(len(m.ports)) >= m.cfg.MaxPorts
	_, dup := m.ports[f.portID]
	m.portsMu.Unlock()

	if dup {
		err := &ProtocolError{Kind: ProtoUnexpectedState, Detail: "duplicate OPEN for live port"}
		m.notifyProtoError(err)
		return err
	}

	if full || muxState(atomic.LoadInt32(&m.state)) != stateRunning {
		_ = m.sendControl(newFrame(cmdRejected, f.portID, encodeRejected(reqID, RejectLimitReached)))
		return nil
	}

	ps := newPortState(f.portID, nil, m.cfg)
	ps.peerID = f.portID
	ps.sendCredits = int64(m.cfg.PortReceiveBuffer)

	m.portsMu.Lock()
	m.ports[f.portID] = ps
	m.portsMu.Unlock()

	if err := m.sendControl(newFrame(cmdOpened, f.portID, encodeOpened(reqID, f.portID, m.cfg.PortReceiveBuffer))); err != nil {
		return nil
	}

	var corrID uint32
	if hasUserID {
		corrID = userID
	} else {
		corrID = f.portID
	}
	ev := ServerEvent{Sender: &Sender{port: ps, mux: m}, Receiver: &Receiver{port: ps, mux: m}, UserID: corrID}
	select {
	case m.acceptCh <- ev:
	case <-m.die:
	}
	return nil
}

func (m *Mux) handleOpened(f frame) error {
	reqID, peerPortID, initialCredits, err := decodeOpened(f.payload)
	if err != nil {
		m.notifyProtoError(err)
		return err
	}
	m.pendingMu.Lock()
	ch, ok := m.pendingOpens[reqID]
	delete(m.pendingOpens, reqID)
	m.pendingMu.Unlock()
	if !ok {
		return nil // late/duplicate response; not a protocol violation on its own
	}
	ch <- openResult{peerPortID: peerPortID, initialCredits: initialCredits}
	return nil
}

func (m *Mux) handleRejected(f frame) error {
	reqID, reason, err := decodeRejected(f.payload)
	if err != nil {
		m.notifyProtoError(err)
		return err
	}
	m.pendingMu.Lock()
	ch, ok := m.pendingOpens[reqID]
	delete(m.pendingOpens, reqID)
	m.pendingMu.Unlock()
	if ok {
		ch <- openResult{rejected: true, reason: reason}
	}
	return nil
}

func (m *Mux) lookupPort(id uint32) (*portState, bool) {
	m.portsMu.Lock()
	ps, ok := m.ports[id]
	m.portsMu.Unlock()
	return ps, ok
}

func (m *Mux) handleData(f frame) error {
	ps, ok := m.lookupPort(f.portID)
	if !ok {
		// data for an unknown/already-closed port is not a protocol
		// violation: the peer may not yet have seen our HANGUP/closePort.
		return nil
	}
	n := len(f.payload)
	if n > 0 {
		if !m.acquireGlobalRecv(n) {
			err := &ProtocolError{Kind: ProtoCreditUnderflow, Detail: "peer exceeded global receive window"}
			m.notifyProtoError(err)
			return err
		}
		ps.pushData(f.payload)
	}
	return nil
}

func (m *Mux) handlePortData(f frame) error {
	ps, ok := m.lookupPort(f.portID)
	if !ok {
		return nil
	}
	ps.pushSubPorts(f.payload)
	return nil
}

func (m *Mux) handleCredit(f frame) error {
	delta, err := decodeCredit(f.payload)
	if err != nil {
		m.notifyProtoError(err)
		return err
	}
	if f.portID == 0 {
		atomic.AddInt64(&m.globalSendCredits, int64(delta))
		m.notifyGlobalSend()
		return nil
	}
	ps, ok := m.lookupPort(f.portID)
	if !ok {
		return nil
	}
	ps.grantCredit(delta)
	return nil
}

func (m *Mux) handleHangup(f frame) error {
	dir, err := decodeHangup(f.payload)
	if err != nil {
		m.notifyProtoError(err)
		return err
	}
	ps, ok := m.lookupPort(f.portID)
	if !ok {
		return nil
	}
	done := ps.onPeerHangup(dir)
	if done {
		m.finalizePort(ps)
	}
	return nil
}

func (m *Mux) finalizePort(ps *portState) {
	m.portsMu.Lock()
	delete(m.ports, ps.id)
	m.portsMu.Unlock()
	ps.terminate(nil)
	if ps.owned != nil {
		ps.owned.Release()
	}
}

// handleGoodbye handles an inbound GOODBYE: it stops new opens/accepts (the
// stateRunning check already guarding OpenPort/handleOpen) and tells the
// writer to drain whatever is already queued before it closes the transport
// itself, instead of force-terminating every port here and racing ahead of
// in-flight DATA frames (spec.md §4.3, §8 scenario 6).
func (m *Mux) handleGoodbye() error {
	atomic.CompareAndSwapInt32(&m.state, int32(stateRunning), int32(stateGoodbyeSent))
	m.goodbyeOnce.Do(func() { close(m.goodbyeRecv) })
	return nil
}

func (m *Mux) handleBackchannel(f frame) error {
	if len(f.payload) < 1 {
		return nil
	}
	ps, ok := m.lookupPort(f.portID)
	if !ok {
		return nil
	}
	ps.pushBackchannel(f.payload[0])
	return nil
}

// --- global credit pools -------------------------------------------------

func (m *Mux) notifyGlobalSend() {
	select {
	case m.globalSendNotify <- struct{}{}:
	default:
	}
}

func (m *Mux) acquireGlobalRecv(n int) bool {
	return atomic.AddInt32(&m.globalRecvBucket, -int32(n)) >= 0
}

// returnGlobalRecv credits back n bytes of global receive capacity and, once
// enough has accumulated, grants it back to the peer's global send credits
// via a CREDIT(portID=0) frame — the global analogue of a per-port credit
// grant (spec.md §4.3's "when the buffer drains past a threshold, emit
// CREDIT").
func (m *Mux) returnGlobalRecv(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt32(&m.globalRecvBucket, int32(n))

	m.globalRecvMu.Lock()
	m.globalRecvGranted += int64(n)
	grant := int64(0)
	if m.globalRecvGranted >= int64(m.cfg.GlobalReceiveWindow)/2 {
		grant = m.globalRecvGranted
		m.globalRecvGranted = 0
	}
	m.globalRecvMu.Unlock()

	if grant > 0 {
		_ = m.sendControl(newFrame(cmdCredit, 0, encodeCredit(uint32(grant))))
	}
}

// returnPortCredit is returnGlobalRecv's per-port counterpart: once a port's
// receiver has drained past half of its advertised receive buffer, grant
// that capacity back to the peer so Sender.Send can keep making progress
// (spec.md §4.3's per-port credit loop).
func (m *Mux) returnPortCredit(ps *portState, n int) {
	if n <= 0 {
		return
	}
	ps.mu.Lock()
	ps.recvGranted += int64(n)
	grant := int64(0)
	if ps.recvGranted >= int64(m.cfg.PortReceiveBuffer)/2 {
		grant = ps.recvGranted
		ps.recvGranted = 0
	}
	ps.mu.Unlock()

	if grant > 0 {
		_ = m.sendControl(newFrame(cmdCredit, ps.id, encodeCredit(uint32(grant))))
	}
}

func (m *Mux) waitGlobalSendCredit(n int) error {
	for {
		cur := atomic.LoadInt64(&m.globalSendCredits)
		if cur >= int64(n) {
			if atomic.CompareAndSwapInt64(&m.globalSendCredits, cur, cur-int64(n)) {
				return nil
			}
			continue
		}
		select {
		case <-m.globalSendNotify:
		case <-m.die:
			return m.closeErr()
		}
	}
}

// --- keepalive -------------------------------------------------------

func (m *Mux) keepaliveLoop() {
	ticker := m.cfg.Clock.Ticker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if atomic.AddInt32(&m.missedPongs, 1) > 2 {
				m.notifyProtoError(&ProtocolError{Kind: ProtoUnexpectedState, Detail: "missed keepalive pongs"})
				return
			}
			nonce := atomic.AddUint64(&m.pingNonce, 1)
			_ = m.sendControl(newFrame(cmdPing, 0, encodePing(nonce)))
		case <-m.die:
			return
		}
	}
}

func randNonce() uint64 {
	return rand.Uint64()
}
