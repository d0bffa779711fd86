// Package watch implements a single-producer, multi-consumer channel that
// retains only the most recently sent value, mirroring tokio::sync::watch
// with the addition that the sender and receiver halves may live on
// opposite ends of a chmux connection (spec.md §4.5, original_source's
// rch/watch/mod.rs). Intermediate values are coalesced: a slow receiver
// observes the latest value, never a backlog.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chmux/chmux/chmux"
)

// core is the local broadcast primitive shared by a Sender and every
// Receiver cloned from it, modeled on tokio::sync::watch's internal Shared.
type core[T any] struct {
	mu      sync.Mutex
	value   T
	err     error
	version uint64
	wake    chan struct{}
	closed  bool
}

func newCore[T any](init T) *core[T] {
	return &core[T]{wake: make(chan struct{}), value: init}
}

func (c *core[T]) snapshot() (T, error, uint64, chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.err, c.version, c.wake, c.closed
}

func (c *core[T]) set(v T) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.value = v
	c.err = nil
	c.version++
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

func (c *core[T]) setErr(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.version++
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

func (c *core[T]) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// Sender is the write half of a watch channel. It may be held locally,
// mirrored to a remote peer via Bind, or both at once.
type Sender[T any] struct {
	core *core[T]

	// errs carries RemoteSendError reports from the send-side relay once
	// Bind is in use (spec.md §4.5, §8 scenario 5). Bounded at 16 with
	// drop-on-full semantics: callers are expected to drain it, not to
	// rely on every error arriving.
	errs chan RemoteSendError
}

// Receiver is the read half of a watch channel.
type Receiver[T any] struct {
	core *core[T]
	seen uint64
}

// Channel creates a new watch channel seeded with init and returns its
// local sender and receiver halves.
func Channel[T any](init T) (*Sender[T], *Receiver[T]) {
	c := newCore(init)
	return &Sender[T]{core: c, errs: make(chan RemoteSendError, remoteSendErrorQueueSize)}, &Receiver[T]{core: c}
}

// Errors returns the bounded queue of send-side failures observed while this
// Sender is relayed to a peer via Bind (spec.md §4.5). It is never closed;
// callers select on it alongside their own shutdown signal. A local-only
// Sender that's never been Bind-ed simply never delivers anything on it.
func (s *Sender[T]) Errors() <-chan RemoteSendError { return s.errs }

// Send publishes a new value, waking every receiver blocked in Changed.
// It never blocks and never fails; once bound to a dead remote connection
// it still updates local receivers. Send itself reports nothing about
// remote delivery; failures of the relay started by Bind appear on
// Sender.Errors.
func (s *Sender[T]) Send(v T) {
	s.core.set(v)
}

// Subscribe returns a new Receiver observing this Sender's value, starting
// from the current value (i.e. already "seen").
func (s *Sender[T]) Subscribe() *Receiver[T] {
	_, _, version, _, _ := s.core.snapshot()
	return &Receiver[T]{core: s.core, seen: version}
}

// Close marks the channel closed; blocked Receiver.Changed calls return
// ChangedError.
func (s *Sender[T]) Close() {
	s.core.close()
}

// Get returns the current value without marking it seen.
func (r *Receiver[T]) Get() (T, error) {
	v, err, _, _, _ := r.core.snapshot()
	return v, err
}

// BorrowAndUpdate returns the current value and marks it as seen, so a
// subsequent Changed call blocks until the next update (original_source's
// Receiver::borrow_and_update).
func (r *Receiver[T]) BorrowAndUpdate() (T, error) {
	v, err, version, _, _ := r.core.snapshot()
	r.seen = version
	return v, err
}

// Changed blocks until a value newer than the last one observed by
// BorrowAndUpdate arrives, or returns ChangedError once the channel is
// closed with nothing further to observe.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	for {
		_, _, version, wake, closed := r.core.snapshot()
		if version != r.seen {
			return nil
		}
		if closed {
			return ChangedError{}
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ChangedError reports that the channel closed with no further values to
// observe (tokio::sync::watch::error::RecvError, renamed to avoid
// colliding with the per-item RecvError below).
type ChangedError struct{}

func (ChangedError) Error() string { return "watch: sender dropped, no further changes" }

// RecvErrorKind classifies why a remote-mirrored Receiver carries an error
// instead of a value (original_source's rch::watch::RecvError).
type RecvErrorKind int

const (
	// RecvDecode means the local side could not decode a value the peer sent.
	RecvDecode RecvErrorKind = iota
	// RecvRemote means receiving from the remote port failed (the port or
	// the connection ended with an error); the relay stops after it.
	RecvRemote
)

// RecvError is stored as the core's sticky error and returned from Get /
// BorrowAndUpdate until the next good value arrives.
type RecvError struct {
	Kind RecvErrorKind
	Err  error
}

func (e *RecvError) Error() string {
	if e.Kind == RecvRemote {
		return fmt.Sprintf("watch: receive from remote failed: %v", e.Err)
	}
	return "watch: decode failed: " + e.Err.Error()
}

func (e *RecvError) Unwrap() error { return e.Err }

// remoteSendErrorQueueSize bounds Sender.Errors (spec.md §8 scenario 5: "the
// original sender observes RemoteSendError::Forward within its error queue
// (bounded at 16)").
const remoteSendErrorQueueSize = 16

// RemoteSendErrorKind classifies a RemoteSendError (original_source's
// rch::base::RemoteSendError).
type RemoteSendErrorKind int

const (
	// RemoteSendSend means this side failed to encode or hand off a value
	// to the transport for the item in question.
	RemoteSendSend RemoteSendErrorKind = iota
	// RemoteSendForward means the peer reported, over the backchannel,
	// that it could not decode or forward the value this side sent.
	RemoteSendForward
)

// RemoteSendError is delivered on Sender.Errors when the send-side relay
// started by Bind fails to encode or send a published value, or the peer
// reports over the backchannel that it could not use one. Item-specific
// send failures let the relay continue; any other send failure is reported
// and then ends the relay.
type RemoteSendError struct {
	Kind RemoteSendErrorKind
	Err  error
}

func (e *RemoteSendError) Error() string {
	if e.Kind == RemoteSendForward {
		return "watch: peer could not forward the last value"
	}
	return fmt.Sprintf("watch: send failed: %v", e.Err)
}

func (e *RemoteSendError) Unwrap() error { return e.Err }

func (s *Sender[T]) reportRemoteError(re RemoteSendError) {
	select {
	case s.errs <- re:
	default:
	}
}

// Codec serializes and deserializes the values carried over a bound
// connection. spec.md places typed codec plugins (CBOR/JSON/bincode) out
// of scope as external collaborators, so GobCodec (codec.go) is the only
// implementation shipped here; callers may supply their own.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// backchannelMsgError is the single-byte tag a decode/send failure sends
// over the port's backchannel, mirroring BACKCHANNEL_MSG_ERROR.
const backchannelMsgError byte = 1

// Bind relays a local Sender's updates to a peer over tx/rx, the sending
// side of rch/watch's wire protocol. It returns immediately; the relay
// runs in a background goroutine until the port or the sender closes.
func Bind[T any](s *Sender[T], tx *chmux.Sender, rx *chmux.Receiver, codec Codec[T]) {
	go sendLoop(s, tx, rx, codec)
}

// Accept materializes a Receiver whose value mirrors a remote Sender bound
// to the peer end of tx/rx, the receiving side of rch/watch's wire
// protocol. init seeds the value until the first update arrives.
func Accept[T any](tx *chmux.Sender, rx *chmux.Receiver, codec Codec[T], init T) *Receiver[T] {
	c := newCore(init)
	go recvLoop(c, tx, rx, codec)
	return &Receiver[T]{core: c}
}

func sendLoop[T any](s *Sender[T], tx *chmux.Sender, rx *chmux.Receiver, codec Codec[T]) {
	c := s.core
	var lastVersion uint64
	first := true
	for {
		value, _, version, wake, closed := c.snapshot()
		if closed {
			_ = tx.Close()
			return
		}
		if first || version != lastVersion {
			first = false
			lastVersion = version
			b, err := codec.Encode(value)
			if err != nil {
				// An encode failure is item-specific: report it, skip this
				// value, and keep the relay alive for the next one.
				s.reportRemoteError(RemoteSendError{Kind: RemoteSendSend, Err: err})
			} else if sendErr := tx.Send(b); sendErr != nil {
				s.reportRemoteError(RemoteSendError{Kind: RemoteSendSend, Err: sendErr})
				var se *chmux.SendError
				if !errors.As(sendErr, &se) || !se.IsItemSpecific() {
					return
				}
			}
		}

		select {
		case <-wake:
		case <-rx.Backchannel():
			// peer could not decode or forward the last value; nothing
			// to resend since watch only ever carries the latest value.
			s.reportRemoteError(RemoteSendError{Kind: RemoteSendForward})
		case <-rx.Done():
			return
		}
	}
}

func recvLoop[T any](c *core[T], tx *chmux.Sender, rx *chmux.Receiver, codec Codec[T]) {
	for {
		b, err := rx.Recv()
		if err != nil {
			c.setErr(&RecvError{Kind: RecvRemote, Err: err})
			_ = tx.Backchannel(backchannelMsgError)
			return
		}
		if b == nil {
			c.close()
			return
		}
		v, err := codec.Decode(b)
		if err != nil {
			c.setErr(&RecvError{Kind: RecvDecode, Err: err})
			_ = tx.Backchannel(backchannelMsgError)
			continue
		}
		c.set(v)
	}
}
