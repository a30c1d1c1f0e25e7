package call

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// candidateCoalesceDelay is how long the queue waits after the first
	// candidate of a batch before flushing, so rapid trickles amalgamate
	// into one event.
	candidateCoalesceDelay = 100 * time.Millisecond

	// candidateRetryBase is the backoff unit after a failed publish.
	candidateRetryBase = 500 * time.Millisecond
)

// candidateQueue buffers locally gathered ICE candidates and publishes them
// as batched m.call.candidates events, retrying failed publishes with
// exponential backoff. At most one flush is in flight per call.
type candidateQueue struct {
	roomID string
	signal Signaler

	coalesce  time.Duration
	retryBase time.Duration
	schedule  func(d time.Duration, fn func())

	mu       sync.Mutex
	callID   string
	buf      []CandidateInit
	attempts int
	pending  bool // a flush is scheduled or in flight
}

func newCandidateQueue(roomID, callID string, sig Signaler) *candidateQueue {
	return &candidateQueue{
		roomID:    roomID,
		callID:    callID,
		signal:    sig,
		coalesce:  candidateCoalesceDelay,
		retryBase: candidateRetryBase,
		schedule:  func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// setCallID rebinds the queue to the call ID adopted from an inbound invite.
func (q *candidateQueue) setCallID(id string) {
	q.mu.Lock()
	q.callID = id
	q.mu.Unlock()
}

// Enqueue appends a candidate and arms the coalescing flush, unless a flush
// is already in flight or backoff-pending.
func (q *candidateQueue) Enqueue(cand CandidateInit) {
	q.mu.Lock()
	q.buf = append(q.buf, cand)
	arm := q.attempts == 0 && !q.pending
	if arm {
		q.pending = true
	}
	q.mu.Unlock()
	if arm {
		q.schedule(q.coalesce, q.flush)
	}
}

// Len reports the number of buffered candidates.
func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *candidateQueue) flush() {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.pending = false
		q.mu.Unlock()
		return
	}
	cands := q.buf
	q.buf = nil
	q.attempts++
	callID := q.callID
	q.mu.Unlock()

	content := CandidatesPayload{Version: 0, CallID: callID, Candidates: cands}
	err := q.signal.Publish(context.Background(), q.roomID, EventCandidates, content)
	if err == nil {
		q.mu.Lock()
		q.attempts = 0
		more := len(q.buf) > 0
		if !more {
			q.pending = false
		}
		q.mu.Unlock()
		log.Printf("CALL [%s]: sent %d candidates", callID, len(cands))
		if more {
			// Candidates that arrived during the publish go out straight
			// away, without the coalescing delay.
			q.flush()
		}
		return
	}

	q.mu.Lock()
	q.buf = append(cands, q.buf...)
	if q.attempts > 5 {
		// Retry ceiling: keep the batch buffered; the next Enqueue starts
		// a fresh round.
		q.attempts = 0
		q.pending = false
		q.mu.Unlock()
		log.Printf("CALL [%s]: giving up sending candidates for now: %v", callID, err)
		return
	}
	// attempts counts flush entries and reschedules, so it is odd here;
	// halving it (rounding down) yields the number of failed sends before
	// this one. The delay therefore doubles per failed send: 500, 1000,
	// 2000, ... ms.
	delay := q.retryBase << uint(q.attempts/2)
	q.attempts++
	q.mu.Unlock()
	log.Printf("CALL [%s]: candidate send failed, retrying in %v: %v", callID, delay, err)
	q.schedule(delay, q.flush)
}
