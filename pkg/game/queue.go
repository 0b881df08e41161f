package game

import (
	"sync"
	"time"
)

// ReadStatus is the outcome of one blocking frame read.
type ReadStatus int

const (
	ReadOk ReadStatus = iota
	ReadTimeout
	ReadDesynced
)

// ReadResult reports a read outcome. Timeout results carry the producer
// player number and a monotonically increasing ordinal so the escalation
// handler can discard duplicates raised by concurrent consumers.
type ReadResult struct {
	Status   ReadStatus
	Producer int
	Ordinal  int
}

// ActionQueue buffers one producer player's raw input bytes for every
// consumer in the game. All consumers read the same shared ring through
// their own cursor, so they can never diverge on contents.
type ActionQueue struct {
	producer int
	timeout  time.Duration

	mut_ring     sync.Mutex
	buf          []byte
	tail         int
	heads        []int
	synched      bool
	timeoutCount int
	// notify is closed and replaced on every write and on desync; readers
	// snapshot it under the lock and wait outside it.
	notify chan struct{}
}

// NewActionQueue builds a queue for the given producer slot (1-based) with
// one read cursor per consumer. Queues start desynced; the producer's ready
// signal flips them live.
func NewActionQueue(producer, numConsumers, capacity int, timeout time.Duration) *ActionQueue {
	return &ActionQueue{
		producer: producer,
		timeout:  timeout,
		buf:      make([]byte, capacity),
		heads:    make([]int, numConsumers),
		notify:   make(chan struct{}),
	}
}

func (q *ActionQueue) Producer() int {
	return q.producer
}

func (q *ActionQueue) Synched() bool {
	q.mut_ring.Lock()
	defer q.mut_ring.Unlock()
	return q.synched
}

// MarkSynched opens the queue for reads.
func (q *ActionQueue) MarkSynched() {
	q.mut_ring.Lock()
	defer q.mut_ring.Unlock()
	q.synched = true
}

// MarkDesynced permanently closes the queue and releases every blocked
// reader. Queues are recreated, never resynced.
func (q *ActionQueue) MarkDesynced() {
	q.mut_ring.Lock()
	defer q.mut_ring.Unlock()
	if !q.synched {
		return
	}
	q.synched = false
	q.wakeLocked()
}

func (q *ActionQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *ActionQueue) unreadLocked(consumer int) int {
	return (q.tail - q.heads[consumer] + len(q.buf)) % len(q.buf)
}

// freeLocked is how many bytes can be written without reaching the slowest
// cursor. One byte stays reserved so a full ring never reads as empty.
func (q *ActionQueue) freeLocked() int {
	maxUnread := 0
	for consumer := range q.heads {
		if unread := q.unreadLocked(consumer); unread > maxUnread {
			maxUnread = unread
		}
	}
	return len(q.buf) - 1 - maxUnread
}

// AddActions appends producer input and wakes all blocked consumers. Writes
// against a desynced queue are dropped; a write that would overrun the
// slowest consumer's unread bytes is rejected instead of applied.
func (q *ActionQueue) AddActions(data []byte) error {
	q.mut_ring.Lock()
	defer q.mut_ring.Unlock()

	if !q.synched || len(data) == 0 {
		return nil
	}
	if len(data) > q.freeLocked() {
		return &BufferFullError{Capacity: len(q.buf) - 1, Requested: len(data)}
	}

	first := copy(q.buf[q.tail:], data)
	if first < len(data) {
		copy(q.buf, data[first:])
	}
	q.tail = (q.tail + len(data)) % len(q.buf)
	q.wakeLocked()
	return nil
}

// ReadActions blocks until len(dst) bytes are available for the consumer's
// cursor, the queue desyncs, or the configured timeout passes. A timeout on
// a desynced queue is not an error; there is simply nothing left to deliver.
func (q *ActionQueue) ReadActions(consumer int, dst []byte) ReadResult {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	q.mut_ring.Lock()
	for {
		if !q.synched {
			q.mut_ring.Unlock()
			return ReadResult{Status: ReadDesynced, Producer: q.producer}
		}
		if q.unreadLocked(consumer) >= len(dst) {
			head := q.heads[consumer]
			first := copy(dst, q.buf[head:])
			if first < len(dst) {
				copy(dst[first:], q.buf)
			}
			q.heads[consumer] = (head + len(dst)) % len(q.buf)
			q.mut_ring.Unlock()
			return ReadResult{Status: ReadOk, Producer: q.producer}
		}

		wait := q.notify
		q.mut_ring.Unlock()
		select {
		case <-wait:
			q.mut_ring.Lock()
		case <-timer.C:
			q.mut_ring.Lock()
			if !q.synched {
				q.mut_ring.Unlock()
				return ReadResult{Status: ReadDesynced, Producer: q.producer}
			}
			q.timeoutCount++
			ordinal := q.timeoutCount
			q.mut_ring.Unlock()
			return ReadResult{Status: ReadTimeout, Producer: q.producer, Ordinal: ordinal}
		}
	}
}
