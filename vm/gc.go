package vm

import "time"

/*
	Mark-and-sweep GC over a handle-indexed object table (spec.md §4.4).

	Objects are addressed by a reused integer handle rather than a raw
	pointer so that a tagged Word on the stack or in memory stays valid
	across a sweep without a moving/compacting collector (out of scope,
	spec.md §1). Free handles are recycled from a free list so the table
	doesn't grow unbounded across many alloc/collect cycles.
*/

type heapObject struct {
	marked bool
	live   bool
	words  []Word
}

type gcStats struct {
	runs         int
	freed        int
	gcTime       time.Duration
	maxHeapWords int
}

type heap struct {
	objects    []heapObject
	freeList   []int
	liveWords  int
	threshold  int
	stats      gcStats
}

const initialGCThreshold = 256

func newHeap() *heap {
	return &heap{threshold: initialGCThreshold}
}

// alloc reserves an N-word zeroed object and returns its handle.
func (h *heap) alloc(n int) int {
	words := make([]Word, n)
	h.liveWords += n
	if h.liveWords > h.stats.maxHeapWords {
		h.stats.maxHeapWords = h.liveWords
	}

	if len(h.freeList) > 0 {
		idx := h.freeList[len(h.freeList)-1]
		h.freeList = h.freeList[:len(h.freeList)-1]
		h.objects[idx] = heapObject{live: true, words: words}
		return idx
	}

	h.objects = append(h.objects, heapObject{live: true, words: words})
	return len(h.objects) - 1
}

func (h *heap) get(handle, idx int) (Word, bool) {
	if handle < 0 || handle >= len(h.objects) || !h.objects[handle].live {
		return 0, false
	}
	obj := &h.objects[handle]
	if idx < 0 || idx >= len(obj.words) {
		return 0, false
	}
	return obj.words[idx], true
}

func (h *heap) set(handle, idx int, val Word) bool {
	if handle < 0 || handle >= len(h.objects) || !h.objects[handle].live {
		return false
	}
	obj := &h.objects[handle]
	if idx < 0 || idx >= len(obj.words) {
		return false
	}
	obj.words[idx] = val
	return true
}

// overThreshold reports whether the next allocation cycle should trigger a
// collection, per the doubling policy in spec.md §4.4.
func (h *heap) overThreshold() bool {
	return h.liveWords > h.threshold
}

// collect runs one mark-and-sweep cycle. Roots are every Word on the
// operand stack and every Word in linear memory (spec.md §4.4).
func (h *heap) collect(stackInUse []Word, memory []Word) {
	start := time.Now()
	h.stats.runs++

	worklist := make([]int, 0, len(h.objects))
	mark := func(w Word) {
		if !isHeapRef(w) {
			return
		}
		handle := untagHandle(w)
		if handle < 0 || handle >= len(h.objects) {
			return
		}
		obj := &h.objects[handle]
		if !obj.live || obj.marked {
			return
		}
		obj.marked = true
		worklist = append(worklist, handle)
	}

	for _, w := range stackInUse {
		mark(w)
	}
	for _, w := range memory {
		mark(w)
	}
	for len(worklist) > 0 {
		handle := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, w := range h.objects[handle].words {
			mark(w)
		}
	}

	freed := 0
	liveWords := 0
	for i := range h.objects {
		obj := &h.objects[i]
		if !obj.live {
			continue
		}
		if !obj.marked {
			freed++
			obj.live = false
			obj.words = nil
			h.freeList = append(h.freeList, i)
			continue
		}
		obj.marked = false
		liveWords += len(obj.words)
	}

	h.liveWords = liveWords
	h.stats.freed += freed
	// Doubling policy: the next threshold grows proportionally to the size
	// still live after this collection.
	h.threshold = liveWords*2 + initialGCThreshold
	h.stats.gcTime += time.Since(start)
}
