// Package quictransport adapts a QUIC stream into the io.ReadWriteCloser
// contract chmux.Connect.Framed expects, demonstrating that chmux's
// transport contract ("any duplex byte stream") is satisfied by something
// that is itself already a multiplexed, flow-controlled substream — the
// domain quic-go (github.com/quic-go/quic-go) occupies in this corpus.
package quictransport

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"
)

// Stream wraps a quic.Stream as an io.ReadWriteCloser. quic.Stream already
// implements Read/Write/Close; Stream exists so callers get a named,
// chmux-facing type rather than depending on quic-go's interface directly.
type Stream struct {
	quic.Stream
}

// OpenStream opens a new bidirectional stream on an established QUIC
// connection and wraps it for use with chmux.Connect.Framed.
func OpenStream(ctx context.Context, conn quic.Connection) (*Stream, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open stream: %w", err)
	}
	return &Stream{Stream: s}, nil
}

// AcceptStream is the passive-side counterpart of OpenStream, used by a
// chmux listener accepting a connection over QUIC.
func AcceptStream(ctx context.Context, conn quic.Connection) (*Stream, error) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept stream: %w", err)
	}
	return &Stream{Stream: s}, nil
}

// Close closes both halves of the QUIC stream. quic.Stream splits
// CancelRead/Close for half-closes; chmux always wants a full close once its
// own HANGUP/GOODBYE bookkeeping is done, so Close cancels reads with no
// error code and closes the write side.
func (s *Stream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
