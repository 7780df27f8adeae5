package session

import (
	"log/slog"
	"net"
	"sync"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/protocol"
)

// controlQueueCapacity bounds the number of control frames waiting for the
// device. Past it the router sheds touch MOVE frames; essential frames
// (touch UP/DOWN, screen power) always enqueue.
const controlQueueCapacity = 1024

// ControlRouter serializes writes to the device control socket. Exactly one
// writer goroutine drains the queue; Enqueue is safe from any goroutine.
type ControlRouter struct {
	conn net.Conn
	log  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	droppedMoves  uint64
	droppedOther  uint64
	writtenFrames uint64

	// onWriteError runs once, outside the lock, when the device socket
	// rejects a write. The manager hooks session teardown into it.
	onWriteError func(error)
	errOnce      sync.Once
}

// newControlRouter wires a router to the control socket and starts its
// writer.
func newControlRouter(conn net.Conn, log *slog.Logger, onWriteError func(error)) *ControlRouter {
	r := &ControlRouter{
		conn:         conn,
		log:          log,
		onWriteError: onWriteError,
	}
	r.cond = sync.NewCond(&r.mu)
	go r.writeLoop()
	return r
}

// Enqueue queues one client control frame for the device. Malformed frames
// are dropped with a warning and never fail the session.
func (r *ControlRouter) Enqueue(frame []byte) {
	if err := protocol.ValidateControlFrame(frame); err != nil {
		r.log.Warn("dropping malformed control frame", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if len(r.queue) >= controlQueueCapacity {
		if !r.shedOldestMoveLocked() && !protocol.IsEssential(frame) {
			r.droppedOther++
			r.log.Debug("control queue full, dropping frame",
				"type", protocol.ControlMsgName(frame[0]))
			return
		}
	}

	r.queue = append(r.queue, frame)
	r.cond.Signal()
}

// shedOldestMoveLocked removes the oldest touch MOVE frame from the queue.
// It reports whether a slot was freed. Callers must hold r.mu.
func (r *ControlRouter) shedOldestMoveLocked() bool {
	for i, queued := range r.queue {
		if protocol.IsTouchMove(queued) {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.droppedMoves++
			return true
		}
	}
	return false
}

// Close stops the writer. Queued frames that have not been written yet are
// discarded; the session is draining anyway.
func (r *ControlRouter) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// QueueLen returns the number of frames waiting for the device.
func (r *ControlRouter) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *ControlRouter) writeLoop() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			dropped := r.droppedMoves + r.droppedOther
			r.mu.Unlock()
			if dropped > 0 {
				r.log.Debug("control router closed",
					"written", r.writtenFrames, "droppedMoves", r.droppedMoves, "droppedOther", r.droppedOther)
			}
			return
		}
		frame := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if _, err := r.conn.Write(frame); err != nil {
			r.log.Warn("control socket write failed", "error", err)
			r.errOnce.Do(func() {
				if r.onWriteError != nil {
					go r.onWriteError(err)
				}
			})
			r.Close()
			return
		}

		r.mu.Lock()
		r.writtenFrames++
		r.mu.Unlock()
	}
}
