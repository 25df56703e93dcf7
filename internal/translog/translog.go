// Package translog implements the per-shard write-ahead log: an
// append-only, strictly ordered record of operations that the engine
// replays on recovery and that durability guarantees are built on top of.
//
// Durability is decoupled from append: Append always returns immediately
// with a Location, but the data behind that location is only guaranteed
// durable once EnsureSynced (or the async syncing processor) has fsynced
// past it. DurabilityRequest writes are synced before they are
// acknowledged. DurabilityAsync writes are acknowledged without a sync:
// this package runs no timer- or size-triggered sync, and
// RequestAsyncSync syncs as soon as it is called, coalescing concurrent
// callers into one sync.
package translog

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by any operation on a closed Translog.
var ErrClosed = errors.New("translog: closed")

// Location is a strictly-increasing logical offset into one shard's
// translog. Successive successful Append calls on the same Translog always
// produce a larger Location than the last. The first Append returns 1, so
// the zero Location covers no record.
type Location int64

// Durability selects when an operation's translog record becomes durable.
type Durability string

const (
	// DurabilityRequest fsyncs before the write is acknowledged to the client.
	DurabilityRequest Durability = "REQUEST"
	// DurabilityAsync acknowledges the write without a sync; no timer or
	// size threshold triggers one later.
	DurabilityAsync Durability = "ASYNC"
)

// Stats are opaque counters describing the current generation of the
// translog, used by the shard's flush heuristic and stats reporting.
type Stats struct {
	NumOps       int
	SizeInBytes  int64
	SyncedUpTo   Location
	TranslogUUID string
}

type record struct {
	loc     Location
	seqNo   int64
	payload []byte
}

// View is a read snapshot over the translog that prevents truncation of
// everything it can see until Close is called. The zero value is not
// usable; obtain one from Translog.NewView.
type View struct {
	t        *Translog
	upToIdx  int
	released bool
	mu       sync.Mutex
}

// Close releases the view. Idempotent.
func (v *View) Close() {
	v.mu.Lock()
	if v.released {
		v.mu.Unlock()
		return
	}
	v.released = true
	v.mu.Unlock()
	v.t.releaseView(v)
}

// Operations returns the records visible to this view, in append order.
func (v *View) Operations() []Location {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	out := make([]Location, 0, v.upToIdx)
	for _, r := range v.t.records[:v.upToIdx] {
		out = append(out, r.loc)
	}
	return out
}

// Translog is the append-only log for one shard's current engine
// incarnation. The zero value is not usable; construct with New.
type Translog struct {
	mu           sync.Mutex
	records      []record
	uuid         string
	nextLocation Location
	syncedUpTo   Location
	sizeInBytes  int64
	openViews    int
	closed       bool

	syncer *asyncSyncer
}

// New returns an empty Translog identified by uuid (an opaque generation
// marker persisted alongside the shard state so recovery can tell translog
// generations apart).
func New(uuid string) *Translog {
	t := &Translog{uuid: uuid, nextLocation: 1}
	t.syncer = newAsyncSyncer(t.syncLocked)
	return t
}

// Append adds op's payload to the log and returns its Location. The data is
// not guaranteed durable until a subsequent EnsureSynced or async sync
// covers this Location.
func (t *Translog) Append(seqNo int64, payload []byte) (Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	loc := t.nextLocation
	t.nextLocation++
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.records = append(t.records, record{loc: loc, seqNo: seqNo, payload: cp})
	t.sizeInBytes += int64(len(cp))
	return loc, nil
}

// EnsureSynced fsyncs up to the maximum of the given locations and reports
// whether any work was done (false if everything requested was already
// durable). Used directly by DurabilityRequest callers, who block on it
// before acknowledging a write.
func (t *Translog) EnsureSynced(locations ...Location) (bool, error) {
	var max Location = -1
	for _, l := range locations {
		if l > max {
			max = l
		}
	}
	if max < 0 {
		return false, nil
	}
	return t.syncLocked(max)
}

// syncLocked advances syncedUpTo to max if it isn't already there. It's
// called both directly (EnsureSynced) and from the async syncer's drain
// loop, and takes its own lock rather than assuming the caller holds one.
func (t *Translog) syncLocked(max Location) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	if max <= t.syncedUpTo {
		return false, nil
	}
	t.syncedUpTo = max
	return true, nil
}

// RequestAsyncSync submits loc to the async syncing processor and arranges
// for listener to be invoked once the processor has synced past it (or
// failed to). listener runs on the syncer's goroutine, never on the
// caller's, and its error is logged by the caller rather than ever
// propagated back to the indexing thread (spec: "Listener exceptions are
// logged, never propagated to indexing threads").
func (t *Translog) RequestAsyncSync(loc Location, listener func(error)) {
	t.syncer.submit(loc, listener)
}

// NewView returns a read snapshot over every record currently in the
// translog. The view's contents cannot be truncated away until the view is
// closed.
func (t *Translog) NewView() *View {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openViews++
	return &View{t: t, upToIdx: len(t.records)}
}

func (t *Translog) releaseView(v *View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openViews > 0 {
		t.openViews--
	}
}

// SizeInBytes returns the total size of records held, used by the flush
// heuristic (shouldFlush is true once this exceeds the configured
// threshold).
func (t *Translog) SizeInBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sizeInBytes
}

// Stats returns a snapshot of opaque counters for reporting.
func (t *Translog) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		NumOps:       len(t.records),
		SizeInBytes:  t.sizeInBytes,
		SyncedUpTo:   t.syncedUpTo,
		TranslogUUID: t.uuid,
	}
}

// Replay invokes fn for every record in append order, oldest first, as used
// by recover_from_translog during shard recovery. Replay stops at the first
// error fn returns.
func (t *Translog) Replay(ctx context.Context, fn func(seqNo int64, payload []byte) error) error {
	t.mu.Lock()
	recs := make([]record, len(t.records))
	copy(recs, t.records)
	t.mu.Unlock()

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.seqNo, r.payload); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the translog closed; further Append/EnsureSynced calls fail
// with ErrClosed. Any in-flight async sync still completes and invokes its
// listeners.
func (t *Translog) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Truncatable reports whether no view currently holds a reference to this
// generation, i.e. whether it would be safe to truncate or discard.
func (t *Translog) Truncatable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openViews == 0
}
