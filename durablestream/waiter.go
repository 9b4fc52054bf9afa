package durablestream

import (
	"sync"

	"github.com/go4org/hashtriemap"
)

// Waiter is a one-shot suspension record: a substrate resolves it exactly
// once, by a notifying append, by deletion of its path, or by timeout.
// Exported so every substrate package can enroll and wait on the same
// registry type (Section 4.4's closing paragraph).
type Waiter struct {
	offset Offset
	ch     chan WaitResult
}

// Offset returns the offset this waiter was enrolled at.
func (w *Waiter) Offset() Offset { return w.offset }

// Chan returns the channel that receives this waiter's single resolution.
func (w *Waiter) Chan() <-chan WaitResult { return w.ch }

// WaiterList holds the waiters currently enrolled for one path.
type WaiterList struct {
	mu      sync.Mutex
	waiters []*Waiter
}

// WaiterRegistry is the per-path waiter table shared by every substrate
// (Section 4.4's closing paragraph, Section 9's "per-path waiter
// registry" note): substrates do not reimplement waiter bookkeeping.
type WaiterRegistry struct {
	lists hashtriemap.HashTrieMap[string, *WaiterList]
}

// Enroll registers a new waiter for path and returns it. Callers must
// have already verified, under their own per-path critical section, that
// offset.Pos() is not already satisfied by the current buffer length -
// Enroll itself performs no such check (Section 5, waiter protocol step 3).
func (r *WaiterRegistry) Enroll(path string, offset Offset) *Waiter {
	w := &Waiter{offset: offset, ch: make(chan WaitResult, 1)}
	list, _ := r.lists.LoadOrStore(path, &WaiterList{})
	list.mu.Lock()
	list.waiters = append(list.waiters, w)
	list.mu.Unlock()
	return w
}

// Remove unlinks w from path's waiter list if still present. Safe to call
// after w has already been resolved and removed by a notifier.
func (r *WaiterRegistry) Remove(path string, w *Waiter) {
	list, ok := r.lists.Load(path)
	if !ok {
		return
	}
	list.mu.Lock()
	for i, ww := range list.waiters {
		if ww == w {
			list.waiters = append(list.waiters[:i], list.waiters[i+1:]...)
			break
		}
	}
	list.mu.Unlock()
}

// NotifyAppend resolves every waiter whose offset now lies strictly
// before newLen with a single synthesized message built by makeMessage.
// Waiters whose offset is already at or beyond newLen are re-enrolled -
// this can happen under race when enrollment observed a stale length
// (Section 5, "Notify-on-append").
func (r *WaiterRegistry) NotifyAppend(path string, newLen uint64, makeMessage func(fromPos uint64) Message) {
	list, ok := r.lists.Load(path)
	if !ok {
		return
	}

	list.mu.Lock()
	pending := list.waiters
	list.waiters = nil
	list.mu.Unlock()

	var stale []*Waiter
	for _, w := range pending {
		if w.offset.Pos() < newLen {
			msg := makeMessage(w.offset.Pos())
			select {
			case w.ch <- WaitResult{Messages: []Message{msg}}:
			default:
			}
			continue
		}
		stale = append(stale, w)
	}

	if len(stale) > 0 {
		list.mu.Lock()
		list.waiters = append(list.waiters, stale...)
		list.mu.Unlock()
	}
}

// NotifyDelete resolves every live waiter for path with an empty,
// non-timed-out result and drops the path's waiter list entirely
// (Section 5, "Notify-on-delete").
func (r *WaiterRegistry) NotifyDelete(path string) {
	list, ok := r.lists.LoadAndDelete(path)
	if !ok {
		return
	}

	list.mu.Lock()
	pending := list.waiters
	list.waiters = nil
	list.mu.Unlock()

	for _, w := range pending {
		select {
		case w.ch <- WaitResult{Messages: nil, TimedOut: false}:
		default:
		}
	}
}
