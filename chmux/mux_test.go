package chmux

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.PingInterval = time.Hour // keep keepalive out of the way of short tests
	cfg.MaxPorts = 8
	cfg.ChunkSize = 4096
	cfg.PortReceiveBuffer = 64 * 1024
	cfg.GlobalReceiveWindow = 256 * 1024
	return cfg
}

func newPipePair(t *testing.T) (*Mux, *Sender, *Receiver, *Mux, *Sender, *Receiver) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		m        *Mux
		tx       *Sender
		rx       *Receiver
		err      error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		m, tx, rx, err := Connect.Framed(testConfig(), clientConn)
		clientCh <- result{m, tx, rx, err}
	}()
	go func() {
		m, tx, rx, err := Connect.Accept(testConfig(), serverConn)
		serverCh <- result{m, tx, rx, err}
	}()

	c := <-clientCh
	s := <-serverCh
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	return c.m, c.tx, c.rx, s.m, s.tx, s.rx
}

func TestHandshakeEstablishesRootPort(t *testing.T) {
	cm, ctx, crx, sm, stx, srx := newPipePair(t)
	defer cm.Close()
	defer sm.Close()

	require.NoError(t, ctx.Send([]byte("ping")))
	b, err := srx.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), b)

	require.NoError(t, stx.Send([]byte("pong")))
	b, err = crx.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), b)
}

func TestOpenAcceptEchoPort(t *testing.T) {
	cm, _, _, sm, _, _ := newPipePair(t)
	defer cm.Close()
	defer sm.Close()

	serverDone := make(chan error, 1)
	go func() {
		tx, rx, err := sm.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		b, err := rx.Recv()
		if err != nil {
			serverDone <- err
			return
		}
		serverDone <- tx.Send(append([]byte("echo:"), b...))
	}()

	tx, rx, err := cm.Open()
	require.NoError(t, err)
	require.NoError(t, tx.Send([]byte("hi")))

	b, err := rx.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("echo:hi"), b)
	require.NoError(t, <-serverDone)
}

func TestOpenCarriesCorrelationID(t *testing.T) {
	cm, _, _, sm, _, _ := newPipePair(t)
	defer cm.Close()
	defer sm.Close()

	eventCh := make(chan ServerEvent, 1)
	go func() {
		ev, err := sm.AcceptEvent()
		require.NoError(t, err)
		eventCh <- ev
	}()

	pn := cm.Allocator().Allocate()
	_, _, err := cm.OpenPort(NewPortReq(pn).WithID(4242))
	require.NoError(t, err)

	ev := <-eventCh
	require.EqualValues(t, 4242, ev.UserID)
}

func TestCloseUnblocksPeerRecv(t *testing.T) {
	cm, ctx, _, sm, _, srx := newPipePair(t)
	defer cm.Close()
	defer sm.Close()

	require.NoError(t, ctx.Close())

	b, err := srx.Recv()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestMaxPortsRejectsOpen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPorts = 1
	clientConn, serverConn := net.Pipe()

	type result struct {
		m   *Mux
		tx  *Sender
		rx  *Receiver
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() {
		m, tx, rx, err := Connect.Framed(cfg, clientConn)
		clientCh <- result{m, tx, rx, err}
	}()
	go func() {
		m, tx, rx, err := Connect.Accept(cfg, serverConn)
		serverCh <- result{m, tx, rx, err}
	}()
	c := <-clientCh
	s := <-serverCh
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.m.Close()
	defer s.m.Close()

	go func() {
		_, _, _ = s.m.Accept()
	}()

	_, _, err := c.m.Open()
	require.Error(t, err)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, OpenRejected, openErr.Kind)
	require.Equal(t, RejectLimitReached, openErr.Reason)
}

func TestCreditBackpressureLimitsInFlightBytes(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 16
	cfg.PortReceiveBuffer = 16
	cfg.GlobalReceiveWindow = 1 << 20
	clientConn, serverConn := net.Pipe()

	type result struct {
		m   *Mux
		tx  *Sender
		rx  *Receiver
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() {
		m, tx, rx, err := Connect.Framed(cfg, clientConn)
		clientCh <- result{m, tx, rx, err}
	}()
	go func() {
		m, tx, rx, err := Connect.Accept(cfg, serverConn)
		serverCh <- result{m, tx, rx, err}
	}()
	c := <-clientCh
	s := <-serverCh
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.m.Close()
	defer s.m.Close()

	serverOpened := make(chan *Receiver, 1)
	go func() {
		_, rx, err := s.m.Accept()
		require.NoError(t, err)
		serverOpened <- rx
	}()

	tx, _, err := c.m.Open()
	require.NoError(t, err)
	rx := <-serverOpened

	payload := make([]byte, 64) // four 16-byte chunks against a 16-byte port window
	sendDone := make(chan error, 1)
	go func() { sendDone <- tx.Send(payload) }()

	select {
	case <-sendDone:
		t.Fatal("Send returned before the receiver drained any data")
	case <-time.After(30 * time.Millisecond):
	}

	total := 0
	for total < len(payload) {
		b, err := rx.Recv()
		require.NoError(t, err)
		total += len(b)
	}
	require.NoError(t, <-sendDone)
}

// TestGoodbyeDrainsQueuedDataBeforeClosing exercises spec.md §4.3's inbound
// GOODBYE handling and §8 scenario 6: queued bytes for a port must still be
// delivered before the transport that received the GOODBYE closes.
func TestGoodbyeDrainsQueuedDataBeforeClosing(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 16
	cfg.PortReceiveBuffer = 1 << 20
	cfg.GlobalReceiveWindow = 1 << 20
	clientConn, serverConn := net.Pipe()

	type result struct {
		m   *Mux
		tx  *Sender
		rx  *Receiver
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	go func() {
		m, tx, rx, err := Connect.Framed(cfg, clientConn)
		clientCh <- result{m, tx, rx, err}
	}()
	go func() {
		m, tx, rx, err := Connect.Accept(cfg, serverConn)
		serverCh <- result{m, tx, rx, err}
	}()
	c := <-clientCh
	s := <-serverCh
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.m.Close()
	defer s.m.Close()

	// Queue a many-chunk send on the client's root port before the server
	// says goodbye, and only call Recv on the server's root port after the
	// GOODBYE has been sent; every byte must still arrive, in order, and the
	// client must close its connection once its queues are drained.
	payload := make([]byte, 16*32)
	for i := range payload {
		payload[i] = byte(i)
	}
	sendDone := make(chan error, 1)
	go func() { sendDone <- c.tx.Send(payload) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.m.Goodbye())
	time.Sleep(20 * time.Millisecond)

	received := make([]byte, 0, len(payload))
	for len(received) < len(payload) {
		b, err := s.rx.Recv()
		require.NoError(t, err)
		require.NotNil(t, b)
		received = append(received, b...)
	}
	require.Equal(t, payload, received)
	require.NoError(t, <-sendDone)

	select {
	case <-c.m.CloseChan():
	case <-time.After(time.Second):
		t.Fatal("client connection never closed after goodbye drain")
	}
}
