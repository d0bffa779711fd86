package chmux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPortAllocatorTryAllocateRespectsLimit(t *testing.T) {
	a, err := NewPortAllocator(2)
	require.NoError(t, err)

	p1, ok := a.TryAllocate()
	require.True(t, ok)
	p2, ok := a.TryAllocate()
	require.True(t, ok)
	require.NotEqual(t, p1.Number(), p2.Number())

	_, ok = a.TryAllocate()
	require.False(t, ok)

	require.Equal(t, 2, a.Used())
}

func TestPortAllocatorReleaseWakesWaiter(t *testing.T) {
	a, err := NewPortAllocator(1)
	require.NoError(t, err)

	held, ok := a.TryAllocate()
	require.True(t, ok)

	done := make(chan *PortNumber, 1)
	go func() {
		done <- a.Allocate()
	}()

	select {
	case <-done:
		t.Fatal("Allocate returned before a number was released")
	case <-time.After(20 * time.Millisecond):
	}

	held.Release()

	select {
	case pn := <-done:
		require.NotZero(t, pn.Number())
		require.Equal(t, 1, a.Used())
	case <-time.After(time.Second):
		t.Fatal("Allocate did not wake up after release")
	}
}

func TestPortNumberReleaseIsIdempotent(t *testing.T) {
	a, err := NewPortAllocator(4)
	require.NoError(t, err)
	pn, ok := a.TryAllocate()
	require.True(t, ok)

	pn.Release()
	require.Equal(t, 0, a.Used())
	pn.Release() // must not panic or double-free a slot
	require.Equal(t, 0, a.Used())
}

func TestPortReqWithID(t *testing.T) {
	a, err := NewPortAllocator(1)
	require.NoError(t, err)
	pn, ok := a.TryAllocate()
	require.True(t, ok)

	req := NewPortReq(pn)
	require.Equal(t, pn.Number(), req.ID)

	req = req.WithID(99)
	require.EqualValues(t, 99, req.ID)
	require.Equal(t, pn.Number(), req.Port.Number())
}

func TestPortAllocatorConcurrentAllocate(t *testing.T) {
	a, err := NewPortAllocator(64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	seen := make(chan uint32, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- a.Allocate().Number()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint32]struct{})
	for n := range seen {
		unique[n] = struct{}{}
	}
	require.Len(t, unique, 64)
}
