package forwarder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/wire"
)

const DefaultQueueSize = 10000

// Queue holds outbound messages until the server acknowledges them. It is
// bounded; when full the oldest unacknowledged message is dropped.
//
// Sequence numbers start from the wall clock in microseconds so that a
// restarted relay continuing a session keeps numbering above what the
// server has already seen.
type Queue struct {
	mu      sync.Mutex
	ring    *buffer.Ring[wire.Envelope]
	nextSeq uint64
	acked   uint64

	ready   chan struct{}
	dropped atomic.Int64
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	base := uint64(time.Now().UnixMicro())
	return &Queue{
		ring:    buffer.NewRing[wire.Envelope](size),
		nextSeq: base,
		acked:   base,
		ready:   make(chan struct{}, 1),
	}
}

// Put numbers e and appends it, returning the assigned sequence number.
func (q *Queue) Put(e wire.Envelope) uint64 {
	q.mu.Lock()
	q.nextSeq++
	e.Seq = q.nextSeq
	if q.ring.Push(e) {
		q.dropped.Add(1)
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return e.Seq
}

// Ready is signalled after every Put.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// NextAfter returns the oldest message numbered above seq.
func (q *Queue) NextAfter(seq uint64) (wire.Envelope, bool) {
	return q.ring.Find(func(e wire.Envelope) bool { return e.Seq > seq })
}

// AckThrough removes every message numbered up to seq. Acks are cumulative;
// a stale ack is a no-op.
func (q *Queue) AckThrough(seq uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq <= q.acked {
		return 0
	}
	q.acked = seq
	n := 0
	for {
		if _, ok := q.ring.PopFrontIf(func(e wire.Envelope) bool { return e.Seq <= seq }); !ok {
			return n
		}
		n++
	}
}

func (q *Queue) Acked() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// LastSeq is the highest number handed out so far.
func (q *Queue) LastSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextSeq
}

func (q *Queue) Len() int       { return q.ring.Len() }
func (q *Queue) Cap() int       { return q.ring.Cap() }
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
