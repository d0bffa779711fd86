package watch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/chmux/chmux/chmux"
	"github.com/stretchr/testify/require"
)

func TestLocalChannelLastValueWins(t *testing.T) {
	tx, rx := Channel(0)

	tx.Send(1)
	tx.Send(2)
	tx.Send(3)

	v, err := rx.BorrowAndUpdate()
	require.NoError(t, err)
	require.Equal(t, 3, v) // intermediate values 1 and 2 are coalesced away
}

func TestChangedBlocksUntilNextValue(t *testing.T) {
	tx, rx := Channel("a")
	_, _ = rx.BorrowAndUpdate()

	done := make(chan error, 1)
	go func() {
		done <- rx.Changed(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Changed returned before a new value was sent")
	case <-time.After(20 * time.Millisecond):
	}

	tx.Send("b")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Changed did not wake up after Send")
	}

	v, err := rx.BorrowAndUpdate()
	require.NoError(t, err)
	require.Equal(t, "b", v)
}

func TestSenderCloseReportsChangedError(t *testing.T) {
	tx, rx := Channel(7)
	_, _ = rx.BorrowAndUpdate()

	tx.Close()
	err := rx.Changed(context.Background())
	require.Equal(t, ChangedError{}, err)
}

func testMuxPair(t *testing.T) (*chmux.Mux, *chmux.Mux) {
	t.Helper()
	c1, c2 := net.Pipe()
	cfg := chmux.DefaultConfig()
	cfg.PingInterval = time.Hour

	type result struct {
		m   *chmux.Mux
		err error
	}
	ch1 := make(chan result, 1)
	ch2 := make(chan result, 1)
	go func() {
		m, _, _, err := chmux.Connect.Framed(cfg, c1)
		ch1 <- result{m, err}
	}()
	go func() {
		m, _, _, err := chmux.Connect.Accept(cfg, c2)
		ch2 <- result{m, err}
	}()
	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	return r1.m, r2.m
}

func TestBindAcceptMirrorsValuesAcrossConnection(t *testing.T) {
	clientMux, serverMux := testMuxPair(t)
	defer clientMux.Close()
	defer serverMux.Close()

	serverPortCh := make(chan struct {
		tx *chmux.Sender
		rx *chmux.Receiver
	}, 1)
	go func() {
		tx, rx, err := serverMux.Accept()
		require.NoError(t, err)
		serverPortCh <- struct {
			tx *chmux.Sender
			rx *chmux.Receiver
		}{tx, rx}
	}()

	clientTx, clientRx, err := clientMux.Open()
	require.NoError(t, err)
	serverPort := <-serverPortCh

	localTx, _ := Channel(0)
	Bind[int](localTx, clientTx, clientRx, GobCodec[int]{})
	remoteRx := Accept[int](serverPort.tx, serverPort.rx, GobCodec[int]{}, 0)

	localTx.Send(41)
	localTx.Send(42)

	deadline := time.After(time.Second)
	for {
		v, err := remoteRx.Get()
		require.NoError(t, err)
		if v == 42 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("remote receiver never observed the latest value")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestBindSurfacesRemoteForwardError exercises spec.md §8 scenario 5: a
// decode failure on the receiving side's watch channel is reported back to
// the original sender as RemoteSendError::Forward in its bounded-16 queue.
func TestBindSurfacesRemoteForwardError(t *testing.T) {
	clientMux, serverMux := testMuxPair(t)
	defer clientMux.Close()
	defer serverMux.Close()

	serverPortCh := make(chan struct {
		tx *chmux.Sender
		rx *chmux.Receiver
	}, 1)
	go func() {
		tx, rx, err := serverMux.Accept()
		require.NoError(t, err)
		serverPortCh <- struct {
			tx *chmux.Sender
			rx *chmux.Receiver
		}{tx, rx}
	}()

	clientTx, clientRx, err := clientMux.Open()
	require.NoError(t, err)
	serverPort := <-serverPortCh

	localTx, _ := Channel(0)
	Bind[int](localTx, clientTx, clientRx, GobCodec[int]{})
	_ = Accept[int](serverPort.tx, serverPort.rx, GobCodec[int]{}, 0)

	// Bypass the codec to hand the accept side bytes it cannot gob-decode,
	// forcing recvLoop's decode-failure path to signal the backchannel.
	require.NoError(t, clientTx.Send([]byte("not a valid gob stream")))

	select {
	case re := <-localTx.Errors():
		require.Equal(t, RemoteSendForward, re.Kind)
	case <-time.After(time.Second):
		t.Fatal("sender never observed a RemoteSendError for the forward failure")
	}
}
