package chmux

import (
	"sync"
)

// portState is the shared, mutex-guarded state backing one port's Sender and
// Receiver halves (spec.md §3's LocalPortState, generalized to also cover
// remote-initiated ports that have no local allocator entry).
type portState struct {
	id     uint32 // the id both sides use to address this port on the wire
	peerID uint32 // mirrors id today (single shared id space, see DESIGN.md)
	owned  *PortNumber // non-nil if this process allocated id; released on close

	cfg Config

	mu          sync.Mutex
	sendCredits int64
	sendWake    chan struct{}
	sendClosed  bool // we sent HANGUP(send) or observed the peer's HANGUP(recv)
	recvClosed  bool // we sent HANGUP(recv)
	recvEOF     bool // peer closed its send side: no more DATA will arrive

	recvBuf     [][]byte
	recvNotify  chan struct{}
	recvBytes   int
	recvGranted int64 // bytes drained, pending a CREDIT grant back to the peer

	subPorts    [][]byte
	subNotify   chan struct{}

	backchannel chan byte

	termErr   error
	termOnce  sync.Once
	done      chan struct{}
}

func newPortState(id uint32, owned *PortNumber, cfg Config) *portState {
	return &portState{
		id:          id,
		peerID:      id,
		owned:       owned,
		cfg:         cfg,
		sendWake:    make(chan struct{}, 1),
		recvNotify:  make(chan struct{}, 1),
		subNotify:   make(chan struct{}, 1),
		backchannel: make(chan byte, 16),
		done:        make(chan struct{}),
	}
}

func (p *portState) wakeSend() {
	select {
	case p.sendWake <- struct{}{}:
	default:
	}
}

func (p *portState) wakeRecv() {
	select {
	case p.recvNotify <- struct{}{}:
	default:
	}
}

func (p *portState) grantCredit(delta uint32) {
	p.mu.Lock()
	p.sendCredits += int64(delta)
	p.mu.Unlock()
	p.wakeSend()
}

func (p *portState) pushData(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.mu.Lock()
	p.recvBuf = append(p.recvBuf, cp)
	p.recvBytes += len(cp)
	p.mu.Unlock()
	p.wakeRecv()
}

func (p *portState) pushSubPorts(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.mu.Lock()
	p.subPorts = append(p.subPorts, cp)
	p.mu.Unlock()
	select {
	case p.subNotify <- struct{}{}:
	default:
	}
}

func (p *portState) pushBackchannel(b byte) {
	select {
	case p.backchannel <- b:
	default:
		// bounded drop-on-full, per spec.md §4.4.
	}
}

// onPeerHangup records a HANGUP from the peer for the given direction and
// reports whether the port is now fully closed (both directions).
func (p *portState) onPeerHangup(dir Direction) bool {
	p.mu.Lock()
	switch dir {
	case DirSend:
		// peer closed ITS send side: we will receive no more data.
		p.recvEOF = true
	case DirRecv:
		// peer closed ITS receive side: further sends from us will fail.
		p.sendClosed = true
	}
	done := p.sendClosed && p.recvEOF
	p.mu.Unlock()
	p.wakeRecv()
	p.wakeSend()
	return done
}

func (p *portState) terminate(err error) {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.termErr = err
		p.mu.Unlock()
		close(p.done)
	})
	p.wakeSend()
	p.wakeRecv()
}

// Sender is the send half of a port.
type Sender struct {
	port *portState
	mux  *Mux
}

// PortNumber returns the id this port is addressed by on the wire.
func (s *Sender) PortNumber() uint32 { return s.port.id }

// Done returns a channel closed once the port has fully finished (both
// directions hung up or the connection died), for drivers that need to
// stop relaying without going through Send/Recv.
func (s *Sender) Done() <-chan struct{} { return s.port.done }

// Send splits data into chunk_size pieces and, for each, awaits both the
// per-port and connection-wide send credit before handing it to the writer
// queue. It returns once every chunk has been enqueued (spec.md §4.4).
func (s *Sender) Send(data []byte) error {
	p := s.port
	chunk := int(s.mux.cfg.ChunkSize)
	if chunk <= 0 {
		chunk = 16 * 1024
	}
	if uint64(len(data)) > s.mux.cfg.MaxItemSize {
		return &SendError{Kind: SendItemTooLarge}
	}
	if len(data) == 0 {
		return nil
	}

	for off := 0; off < len(data); {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		piece := data[off:end]

		if err := s.awaitCredit(len(piece)); err != nil {
			return err
		}
		if err := s.mux.waitGlobalSendCredit(len(piece)); err != nil {
			return &SendError{Kind: SendConnectionClosed, Err: err}
		}
		if err := s.mux.sendData(newFrame(cmdData, p.id, piece)); err != nil {
			return &SendError{Kind: SendConnectionClosed, Err: err}
		}

		off = end
	}
	return nil
}

func (s *Sender) awaitCredit(n int) error {
	p := s.port
	for {
		p.mu.Lock()
		if p.sendClosed {
			p.mu.Unlock()
			return &SendError{Kind: SendClosed}
		}
		if p.sendCredits >= int64(n) {
			p.sendCredits -= int64(n)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-p.sendWake:
		case <-p.done:
			return &SendError{Kind: SendClosed}
		case <-s.mux.die:
			return &SendError{Kind: SendConnectionClosed, Err: s.mux.closeErr()}
		}
	}
}

// Backchannel pushes a single out-of-band byte to the peer's Receiver,
// independent of the data credit pool (spec.md §4.4). Used by typed channel
// layers (e.g. rch/watch) to signal per-item errors.
func (s *Sender) Backchannel(b byte) error {
	return s.mux.sendControl(newFrame(cmdBackchannel, s.port.id, []byte{b}))
}

// Close half-closes the send direction: a HANGUP(send) is sent; the peer's
// Receiver observes EOF once it has drained any already-buffered bytes.
func (s *Sender) Close() error {
	p := s.port
	p.mu.Lock()
	already := p.sendClosed
	p.sendClosed = true
	done := p.sendClosed && p.recvEOF
	p.mu.Unlock()
	if already {
		return nil
	}
	err := s.mux.sendControl(newFrame(cmdHangup, p.id, encodeHangup(DirSend)))
	if done {
		s.mux.finalizePort(p)
	}
	return err
}

// Receiver is the receive half of a port.
type Receiver struct {
	port *portState
	mux  *Mux
}

// PortNumber returns the id this port is addressed by on the wire.
func (r *Receiver) PortNumber() uint32 { return r.port.id }

// Done returns a channel closed once the port has fully finished (both
// directions hung up or the connection died), for drivers that need to
// stop relaying without going through Send/Recv.
func (r *Receiver) Done() <-chan struct{} { return r.port.done }

// Recv returns the next chunk of data, or nil, io.EOF semantics via (nil,
// nil) when the stream has ended cleanly. It never returns a zero-length
// non-nil slice.
func (r *Receiver) Recv() ([]byte, error) {
	p := r.port
	for {
		p.mu.Lock()
		if len(p.recvBuf) > 0 {
			b := p.recvBuf[0]
			p.recvBuf = p.recvBuf[1:]
			p.recvBytes -= len(b)
			p.mu.Unlock()
			r.mux.returnGlobalRecv(len(b))
			r.mux.returnPortCredit(p, len(b))
			return b, nil
		}
		eof := p.recvEOF
		termErr := p.termErr
		p.mu.Unlock()

		if termErr != nil {
			return nil, termErr
		}
		if eof {
			return nil, nil
		}

		select {
		case <-p.recvNotify:
		case <-p.done:
			p.mu.Lock()
			te := p.termErr
			p.mu.Unlock()
			if te != nil {
				return nil, te
			}
			return nil, nil
		case <-r.mux.die:
			return nil, r.mux.closeErr()
		}
	}
}

// RecvSubPorts returns the next batch of serialized sub-port bytes carried
// by a PORT_DATA frame for this port, blocking until one arrives.
func (r *Receiver) RecvSubPorts() ([]byte, error) {
	p := r.port
	for {
		p.mu.Lock()
		if len(p.subPorts) > 0 {
			b := p.subPorts[0]
			p.subPorts = p.subPorts[1:]
			p.mu.Unlock()
			return b, nil
		}
		p.mu.Unlock()

		select {
		case <-p.subNotify:
		case <-p.done:
			return nil, ErrPortClosed
		case <-r.mux.die:
			return nil, r.mux.closeErr()
		}
	}
}

// Backchannel returns the channel of out-of-band bytes sent by the peer's
// Sender via Sender.Backchannel.
func (r *Receiver) Backchannel() <-chan byte {
	return r.port.backchannel
}

// Close half-closes the receive direction: a HANGUP(recv) is sent; the
// peer's subsequent Sends fail with SendError{Kind: SendClosed}.
func (r *Receiver) Close() error {
	p := r.port
	p.mu.Lock()
	already := p.recvClosed
	p.recvClosed = true
	p.recvEOF = true
	done := p.sendClosed && p.recvEOF
	p.mu.Unlock()
	if already {
		return nil
	}
	err := r.mux.sendControl(newFrame(cmdHangup, p.id, encodeHangup(DirRecv)))
	if done {
		r.mux.finalizePort(p)
	}
	return err
}
