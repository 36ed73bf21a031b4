package tuyalan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/muurk/tuyalan/protocol"
)

// BusCapacity is the per-subscription buffer. A subscriber that falls more
// than BusCapacity frames behind loses the oldest frames and is told so
// through a LagError on its next receive.
const BusCapacity = 64

// ErrSubscriptionClosed is returned by Recv after the subscription or its
// worker has terminated and the buffer is drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// LagError reports frames dropped from a slow subscription. The
// subscription stays usable; it resumes from the next buffered frame.
type LagError struct {
	// Count is the number of frames dropped since the previous receive
	Count uint64
}

// Error implements the error interface
func (e *LagError) Error() string {
	return fmt.Sprintf("listener lagged: %d frames dropped", e.Count)
}

// Subscription is a bounded stream of inbound frames from one device
// worker. Every frame the worker receives (and every synthesised error
// frame) is delivered to every subscription in wire order.
type Subscription struct {
	ch     chan protocol.Frame
	done   chan struct{} // closed when the worker terminates
	lagged atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{} // closed by Close
}

// Recv returns the next frame. A *LagError is returned (without a frame)
// when the subscription dropped frames since the last call; subsequent
// calls continue the stream. After the worker terminates and the buffer is
// drained, Recv returns ErrSubscriptionClosed.
func (s *Subscription) Recv(ctx context.Context) (protocol.Frame, error) {
	if n := s.lagged.Swap(0); n > 0 {
		return protocol.Frame{}, &LagError{Count: n}
	}

	// Drain buffered frames even after termination.
	select {
	case f := <-s.ch:
		return f, nil
	default:
	}

	select {
	case f := <-s.ch:
		return f, nil
	case <-s.closed:
		return protocol.Frame{}, ErrSubscriptionClosed
	case <-s.done:
		// Worker gone; deliver anything still buffered first.
		select {
		case f := <-s.ch:
			return f, nil
		default:
			return protocol.Frame{}, ErrSubscriptionClosed
		}
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Close releases the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// bus fans worker frames out to subscriptions. The worker publishes;
// handles subscribe. Publishing never blocks: a full subscription drops
// its oldest frame and accrues lag.
type bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	done chan struct{}
}

func newBus() *bus {
	return &bus{
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
}

func (b *bus) subscribe() *Subscription {
	s := &Subscription{
		ch:     make(chan protocol.Frame, BusCapacity),
		done:   b.done,
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return s
}

func (b *bus) publish(f protocol.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case <-s.closed:
			delete(b.subs, s)
			continue
		default:
		}
		for {
			select {
			case s.ch <- f:
			default:
				// Full: drop the oldest frame and retry.
				select {
				case <-s.ch:
					s.lagged.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// close signals termination to all subscriptions. Buffered frames remain
// readable.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
