package chmux

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config bundles every negotiable/tunable parameter listed in spec.md §6.
type Config struct {
	// ConnectionTimeout bounds the HELLO handshake.
	ConnectionTimeout time.Duration
	// PingInterval schedules keepalive PINGs; two missed PONGs is fatal.
	PingInterval time.Duration
	// MaxPorts is the limit of the local port allocator, and an inbound OPEN
	// is rejected once the connection's port table holds MaxPorts entries.
	// That table counts locally- and remotely-opened ports together,
	// including the root port; remote-accepted ports are not counted
	// separately.
	MaxPorts uint32
	// PortReceiveBuffer is this side's advertised per-port receive window.
	PortReceiveBuffer uint32
	// GlobalReceiveWindow bounds total inbound bytes accepted across every
	// port at once (spec.md §3's global_recv_window), independent of each
	// port's own window.
	GlobalReceiveWindow uint32
	// ChunkSize bounds a single DATA frame's payload; larger sends fragment.
	ChunkSize uint32
	// MaxDataSize is carried in the configuration but not read by the
	// multiplexer; per-port buffering is not limited by it.
	MaxDataSize uint64
	// MaxItemSize bounds the data passed to a single Sender.Send call; a
	// larger item fails with SendError{Kind: SendItemTooLarge} before any
	// chunk is sent.
	MaxItemSize uint64
	// FlushInterval is carried in the configuration but not read by the
	// multiplexer; the writer loop writes each frame as soon as it is queued.
	FlushInterval time.Duration

	// Logger receives structured diagnostics. Defaults to a no-op logger so
	// library consumers are never forced into a logging backend.
	Logger *zap.Logger
	// Clock abstracts time for keepalive/timeout scheduling so tests can
	// drive a fake clock instead of sleeping in real time.
	Clock clock.Clock
}

// DefaultConfig returns the configuration the teacher's Config would ship as
// defaults, adapted to this spec's knobs.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 10 * time.Second,
		PingInterval:      10 * time.Second,
		MaxPorts:          1 << 20,
		PortReceiveBuffer:   256 * 1024,
		GlobalReceiveWindow: 2 * 1024 * 1024,
		ChunkSize:         16 * 1024,
		MaxDataSize:       1 << 30,
		MaxItemSize:       8 * 1024 * 1024,
		FlushInterval:     2 * time.Millisecond,
		Logger:            zap.NewNop(),
		Clock:             clock.New(),
	}
}

// Verify checks the configuration for usage errors the way the teacher's
// VerifyConfig rejects a zero MaxFrameSize.
func (c *Config) Verify() error {
	if c.ChunkSize == 0 {
		return fmt.Errorf("chmux: ChunkSize must be > 0")
	}
	if c.PortReceiveBuffer == 0 {
		return fmt.Errorf("chmux: PortReceiveBuffer must be > 0")
	}
	if c.MaxPorts == 0 {
		return fmt.Errorf("chmux: MaxPorts must be > 0")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("chmux: ConnectionTimeout must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("chmux: PingInterval must be > 0")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}
