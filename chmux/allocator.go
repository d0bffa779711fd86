package chmux

import (
	"fmt"
	"math/rand"
	"sync"
)

// PortNumber is a locally-unique 32-bit port identifier handed out by a
// PortAllocator. Its zero value is not a valid, allocated port; only values
// returned by Allocate/TryAllocate are. Dropping the last reference to a
// PortNumber (calling Release) returns the number to its allocator and wakes
// any goroutines blocked in Allocate.
type PortNumber struct {
	number    uint32
	allocator *PortAllocator
	once      sync.Once
}

// Number returns the bare uint32 so a PortNumber can be used interchangeably
// with a raw port id, e.g. as a map key.
func (p *PortNumber) Number() uint32 {
	if p == nil {
		return 0
	}
	return p.number
}

func (p *PortNumber) String() string {
	return fmt.Sprintf("%d", p.Number())
}

// Release returns the port number to its allocator. It is safe to call more
// than once; only the first call has an effect. A PortNumber must be
// released on every exit path (normal close, error, panic recovery) or the
// allocator will consider the slot permanently used.
func (p *PortNumber) Release() {
	if p == nil || p.allocator == nil {
		return
	}
	p.once.Do(func() {
		p.allocator.release(p.number)
	})
}

type portAllocatorInner struct {
	mu       sync.Mutex
	used     map[uint32]struct{}
	limit    uint32
	waiters  []chan struct{}
}

// PortAllocator assigns locally-unique port numbers with a soft upper bound.
// Allocate suspends the caller while the allocator is full; Release wakes
// every waiter (broadcast), since a thundering-herd retry is cheap relative
// to under-notifying when several slots free up close together.
//
// A zero-value PortAllocator is not usable; construct one with
// NewPortAllocator.
type PortAllocator struct {
	inner *portAllocatorInner
}

// NewPortAllocator creates an allocator that will hand out at most limit
// concurrently-live port numbers. limit == 0 is a usage error: no port can
// ever be allocated.
func NewPortAllocator(limit uint32) (*PortAllocator, error) {
	if limit == 0 {
		return nil, fmt.Errorf("chmux: port allocator limit must be > 0")
	}
	return &PortAllocator{inner: &portAllocatorInner{
		used:  make(map[uint32]struct{}),
		limit: limit,
	}}, nil
}

// String reports the current used/limit counts for diagnostics, mirroring
// the original allocator's Debug impl.
func (a *PortAllocator) String() string {
	a.inner.mu.Lock()
	defer a.inner.mu.Unlock()
	return fmt.Sprintf("PortAllocator{used: %d, limit: %d}", len(a.inner.used), a.inner.limit)
}

func (a *PortAllocator) tryAllocateLocked() (*PortNumber, bool) {
	in := a.inner
	if uint32(len(in.used)) >= in.limit {
		return nil, false
	}
	for {
		cand := rand.Uint32()
		if cand == 0 {
			continue
		}
		if _, taken := in.used[cand]; taken {
			continue
		}
		in.used[cand] = struct{}{}
		return &PortNumber{number: cand, allocator: a}, true
	}
}

// TryAllocate is the non-suspending form of Allocate: it returns nil, false
// when the allocator is at its limit instead of waiting.
func (a *PortAllocator) TryAllocate() (*PortNumber, bool) {
	a.inner.mu.Lock()
	defer a.inner.mu.Unlock()
	return a.tryAllocateLocked()
}

// Allocate blocks until a port number becomes available. The wait loop is
// unconditional: a spurious wake just causes a harmless retry.
func (a *PortAllocator) Allocate() *PortNumber {
	for {
		a.inner.mu.Lock()
		if pn, ok := a.tryAllocateLocked(); ok {
			a.inner.mu.Unlock()
			return pn
		}
		wake := make(chan struct{})
		a.inner.waiters = append(a.inner.waiters, wake)
		a.inner.mu.Unlock()
		<-wake
	}
}

func (a *PortAllocator) release(number uint32) {
	in := a.inner
	in.mu.Lock()
	delete(in.used, number)
	waiters := in.waiters
	in.waiters = nil
	in.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Used reports the number of currently allocated ports.
func (a *PortAllocator) Used() int {
	a.inner.mu.Lock()
	defer a.inner.mu.Unlock()
	return len(a.inner.used)
}

// PortReq is an open-request descriptor: an allocated local port number
// together with a caller-chosen correlation id that defaults to the port
// number itself but may be overridden with WithID.
type PortReq struct {
	Port *PortNumber
	ID   uint32
}

// NewPortReq creates a PortReq whose ID defaults to the port number.
func NewPortReq(port *PortNumber) PortReq {
	return PortReq{Port: port, ID: port.Number()}
}

// WithID returns a copy of the request with ID overridden, for carrying
// application-level correlation data distinct from the port number.
func (r PortReq) WithID(id uint32) PortReq {
	r.ID = id
	return r
}
