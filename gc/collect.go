package gc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Collection statistics
// ---------------------------------------------------------------------------

// Stats describes a single collection.
type Stats struct {
	Marked    int
	Freed     int
	Live      int
	Duration  time.Duration
	Timestamp time.Time
}

// Totals accumulates over the lifetime of a heap.
type Totals struct {
	Allocated   uint64
	Freed       uint64
	Collections uint64
}

// Totals returns cumulative counters.
func (h *Heap) Totals() Totals { return h.totals }

// LastStats returns the most recent collection's statistics, or nil if the
// heap has never collected.
func (h *Heap) LastStats() *Stats { return h.last }

// ---------------------------------------------------------------------------
// Mark and sweep
// ---------------------------------------------------------------------------

// Collect frees every object that is offline and unreachable from an online
// object.
func (h *Heap) Collect() Stats {
	start := time.Now()
	marked := h.mark()
	freed := h.sweep()

	h.sinceCollect = 0
	h.totals.Collections++
	h.totals.Freed += uint64(freed)

	stats := Stats{
		Marked:    marked,
		Freed:     freed,
		Live:      h.live,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	h.last = &stats
	h.log.Debugf("collect: marked %d, freed %d, live %d in %s", marked, freed, h.live, stats.Duration)

	if h.verify {
		if err := h.Verify(); err != nil {
			panic(fmt.Sprintf("gc: verify after collect: %v", err))
		}
	}
	return stats
}

// MaybeCollect collects if the allocation threshold has been reached since
// the last collection.
func (h *Heap) MaybeCollect() (Stats, bool) {
	if h.threshold <= 0 || h.sinceCollect < h.threshold {
		return Stats{}, false
	}
	return h.Collect(), true
}

func (h *Heap) mark() int {
	var work []uint32
	for i := range h.slots {
		s := &h.slots[i]
		if !s.live {
			continue
		}
		s.marked = false
		s.pendingFree = false
	}
	for i := range h.slots {
		s := &h.slots[i]
		if s.live && s.holds > 0 && !s.marked {
			s.marked = true
			work = append(work, uint32(i))
		}
	}
	marked := len(work)
	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]
		for target := range h.slots[idx].edges {
			ts := &h.slots[target.index]
			if !ts.marked {
				ts.marked = true
				marked++
				work = append(work, target.index)
			}
		}
	}
	return marked
}

func (h *Heap) sweep() int {
	var doomed []uint32
	for i := range h.slots {
		s := &h.slots[i]
		if s.live && !s.marked {
			s.pendingFree = true
			doomed = append(doomed, uint32(i))
		}
	}
	for _, idx := range doomed {
		if f, ok := h.slots[idx].obj.(Finalizer); ok {
			f.Finalize()
		}
	}
	for _, idx := range doomed {
		s := &h.slots[idx]
		for target, n := range s.edges {
			h.slots[target.index].refCount -= n
		}
		s.edges = nil
	}
	for _, idx := range doomed {
		s := &h.slots[idx]
		if s.refCount != 0 {
			panic(fmt.Sprintf("gc: freeing %T at slot %d with %d incoming references", s.obj, idx, s.refCount))
		}
		s.obj = nil
		s.live = false
		s.pendingFree = false
		s.holds = 0
		h.free = append(h.free, idx)
		h.live--
	}
	for i := range h.slots {
		if h.slots[i].pendingFree {
			panic(fmt.Sprintf("gc: slot %d still pending free after sweep", i))
		}
	}
	return len(doomed)
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// Verify checks that every recorded incoming count matches the edges naming
// the object, that no edge names a freed slot, and that payloads
// implementing Tracer report exactly their recorded edges.
func (h *Heap) Verify() error {
	var errs []error
	incoming := make(map[uint32]int)
	for i := range h.slots {
		s := &h.slots[i]
		if !s.live {
			continue
		}
		for target, n := range s.edges {
			if !h.IsAvailable(target) {
				errs = append(errs, fmt.Errorf("slot %d (%T) has edge to freed %v", i, s.obj, target))
				continue
			}
			if n <= 0 {
				errs = append(errs, fmt.Errorf("slot %d (%T) has edge to %v with multiplicity %d", i, s.obj, target, n))
			}
			incoming[target.index] += n
		}
		if t, ok := s.obj.(Tracer); ok {
			traced := make(map[Ref]int)
			for _, r := range t.Trace() {
				if !r.IsNil() {
					traced[r]++
				}
			}
			if !sameMultiset(traced, s.edges) {
				errs = append(errs, fmt.Errorf("slot %d (%T) traces %v but records edges %v", i, s.obj, traced, s.edges))
			}
		}
	}
	for i := range h.slots {
		s := &h.slots[i]
		if s.live && s.refCount != incoming[uint32(i)] {
			errs = append(errs, fmt.Errorf("slot %d (%T) refcount %d, edges name it %d times", i, s.obj, s.refCount, incoming[uint32(i)]))
		}
	}
	return errors.Join(errs...)
}

func sameMultiset(a, b map[Ref]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

// Close takes every object offline and collects. An object surviving that
// collection means the edge bookkeeping is corrupt, and Close panics. With
// verification enabled, objects that still held a root hold when Close was
// called are reported as leaks as well.
func (h *Heap) Close() {
	if h.closed {
		return
	}
	var held []uint32
	for i := range h.slots {
		s := &h.slots[i]
		if s.live && s.holds > 0 {
			held = append(held, uint32(i))
		}
		s.holds = 0
	}
	if h.verify && len(held) > 0 {
		report := h.leakReport(held, 10)
		h.Collect()
		h.closed = true
		panic("gc: objects still held at close:\n" + report)
	}
	h.Collect()
	h.closed = true
	if h.live == 0 {
		return
	}
	var rest []uint32
	for i := range h.slots {
		if h.slots[i].live {
			rest = append(rest, uint32(i))
		}
	}
	panic("gc: objects survived final collection:\n" + h.leakReport(rest, 10))
}

// Leaks returns the objects currently holding a root hold.
func (h *Heap) Leaks() []Ref {
	var out []Ref
	h.Each(func(r Ref, _ any) bool {
		if h.slots[r.index].holds > 0 {
			out = append(out, r)
		}
		return true
	})
	return out
}

func (h *Heap) leakReport(idxs []uint32, limit int) string {
	var lines []string
	for _, i := range idxs {
		s := &h.slots[i]
		lines = append(lines, fmt.Sprintf("  slot %d: %T holds=%d refcount=%d edges=%d", i, s.obj, s.holds, s.refCount, len(s.edges)))
	}
	sort.Strings(lines)
	if len(lines) > limit {
		extra := len(lines) - limit
		lines = append(lines[:limit], fmt.Sprintf("  ... and %d more", extra))
	}
	return strings.Join(lines, "\n")
}
