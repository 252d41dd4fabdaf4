package ws

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/gobwas/ws"
)

// outFrame is a single queued outbound frame.
type outFrame struct {
	op      ws.OpCode
	payload []byte
}

// outbox is the unbounded FIFO between send callers and the connection's
// writer goroutine. Pushing never blocks; it fails only once the writer has
// closed the outbox.
type outbox struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool
	ready  chan struct{} // one pending wake-up for the writer
	done   chan struct{} // closed by close()
}

func newOutbox() *outbox {
	return &outbox{
		items: queue.New(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends f and wakes the writer. It returns false if the outbox is
// closed.
func (o *outbox) push(f outFrame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items.Add(f)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest frame. It returns false when the outbox is empty or
// closed.
func (o *outbox) pop() (outFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.items.Length() == 0 {
		return outFrame{}, false
	}
	return o.items.Remove().(outFrame), true
}

// close rejects further pushes, drops pending frames and releases the
// writer. It is safe to call more than once.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	o.items = queue.New()
	close(o.done)
}

// len returns the number of frames waiting to be written.
func (o *outbox) len() int {
	o.mu.Lock()
	n := o.items.Length()
	o.mu.Unlock()
	return n
}
