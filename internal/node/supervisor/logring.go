package supervisor

import (
	"sync"

	"symphony/pkg/model"
)

const defaultRingCapacity = 500

// logRing is a bounded, fan-out log buffer for one deployment's output.
// It keeps the last capacity lines (defaultRingCapacity when newLogRing
// is given a non-positive capacity) as a "tail" backfill for LogSubscribe
// and pushes every new line to any attached
// subscriber channel, dropping on a slow subscriber rather than blocking
// the process writing to it.
type logRing struct {
	mu    sync.Mutex
	buf   []model.LogEntry
	head  int
	count int

	subs map[chan model.LogEntry]struct{}
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &logRing{
		buf:  make([]model.LogEntry, capacity),
		subs: make(map[chan model.LogEntry]struct{}),
	}
}

func (r *logRing) append(entry model.LogEntry) {
	r.mu.Lock()
	r.buf[(r.head+r.count)%len(r.buf)] = entry
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
	subs := make([]chan model.LogEntry, 0, len(r.subs))
	for ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// tail returns up to n of the most recently appended entries, oldest first.
func (r *logRing) tail(n int) []model.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]model.LogEntry, n)
	start := r.head + r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// subscribe registers ch for new entries; the returned func detaches it.
func (r *logRing) subscribe(ch chan model.LogEntry) func() {
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}
