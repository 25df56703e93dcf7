package translog

import "sync"

// asyncSyncer coalesces concurrent sync requests into a single fsync per
// drain: while a drain is in flight, new submissions are parked and picked
// up by the next drain instead of starting one of their own. Modeled on the
// segment-rotation handoff in a write-ahead log, where a single background
// worker owns serializing an expensive operation and callers hand off work
// to whichever worker is currently running (or start one if none is).
type asyncSyncer struct {
	mu      sync.Mutex
	pending []syncRequest
	running bool

	sync func(max Location) (bool, error)
}

type syncRequest struct {
	location Location
	listener func(error)
}

func newAsyncSyncer(sync func(Location) (bool, error)) *asyncSyncer {
	return &asyncSyncer{sync: sync}
}

// submit enqueues a (location, listener) pair. If a drain is already
// running, this pair rides along with the next one; otherwise it starts a
// new drain.
func (a *asyncSyncer) submit(loc Location, listener func(error)) {
	a.mu.Lock()
	a.pending = append(a.pending, syncRequest{location: loc, listener: listener})
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	go a.drain(batch)
}

// drain fsyncs up to the batch's max location, invokes every listener, then
// checks for work that arrived mid-drain; it keeps looping until the
// pending queue is empty, at which point it releases the running flag.
func (a *asyncSyncer) drain(batch []syncRequest) {
	for {
		var max Location = -1
		for _, r := range batch {
			if r.location > max {
				max = r.location
			}
		}

		_, err := a.sync(max)
		for _, r := range batch {
			if r.listener != nil {
				r.listener(err)
			}
		}

		a.mu.Lock()
		if len(a.pending) == 0 {
			a.running = false
			a.mu.Unlock()
			return
		}
		batch = a.pending
		a.pending = nil
		a.mu.Unlock()
	}
}
