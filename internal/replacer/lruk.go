// Package replacer implements the LRU-K page replacement policy for the
// buffer pool.
package replacer

import (
	"container/list"
	"fmt"
	"sync"

	"bufpool/internal/base"
)

// LRUK selects eviction victims by backward K-distance: the frame whose
// K-th most recent access lies furthest in the past is evicted first.
// Frames with fewer than K recorded accesses have infinite backward
// K-distance; among those, the classical LRU rule applies.
//
// Frames are partitioned across two lists, both ordered by recency of the
// most recent access (front = most recent):
//
//   - history: frames with fewer than K accesses
//   - buffer: frames with at least K accesses
//
// A victim is the least-recent evictable frame in history, or failing
// that, the evictable frame in buffer whose K-th most recent access is
// oldest.
type LRUK struct {
	mu           sync.Mutex
	currSize     int // number of evictable frames
	replacerSize int // max tracked frames
	k            int
	timestamp    uint64 // logical clock, bumped once per RecordAccess

	historyList *list.List // element values are base.FrameID
	historyMap  map[base.FrameID]*list.Element
	bufferList  *list.List
	bufferMap   map[base.FrameID]*list.Element

	// Per-frame access history, at most k timestamps, most recent first.
	// A frame is tracked iff it has an entry here.
	history   map[base.FrameID][]uint64
	evictable map[base.FrameID]bool
}

// NewLRUK creates a replacer for numFrames frames with parameter k.
func NewLRUK(numFrames, k int) *LRUK {
	if numFrames <= 0 || k <= 0 {
		panic(fmt.Sprintf("replacer: invalid configuration numFrames=%d k=%d", numFrames, k))
	}
	return &LRUK{
		replacerSize: numFrames,
		k:            k,
		historyList:  list.New(),
		historyMap:   make(map[base.FrameID]*list.Element),
		bufferList:   list.New(),
		bufferMap:    make(map[base.FrameID]*list.Element),
		history:      make(map[base.FrameID][]uint64),
		evictable:    make(map[base.FrameID]bool),
	}
}

// RecordAccess records an access to the given frame at the current logical
// timestamp, creating a tracking entry for a frame not seen before.
//
// Panics if the frame is untracked and the replacer is already at capacity;
// the buffer pool never records more frames than it owns, so hitting this
// is a caller bug.
func (r *LRUK) RecordAccess(frameID base.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timestamp++

	hist, tracked := r.history[frameID]
	if !tracked {
		if len(r.history) >= r.replacerSize {
			panic(fmt.Sprintf("replacer: frame %d exceeds capacity %d", frameID, r.replacerSize))
		}
		r.history[frameID] = []uint64{r.timestamp}
		r.evictable[frameID] = false
		if r.k <= 1 {
			r.bufferMap[frameID] = r.bufferList.PushFront(frameID)
		} else {
			r.historyMap[frameID] = r.historyList.PushFront(frameID)
		}
		return
	}

	hist = append(hist, 0)
	copy(hist[1:], hist)
	hist[0] = r.timestamp
	if len(hist) > r.k {
		hist = hist[:r.k]
	}
	r.history[frameID] = hist

	if elem, inHistory := r.historyMap[frameID]; inHistory {
		if len(hist) >= r.k {
			// k-th access: promote from history to buffer
			r.historyList.Remove(elem)
			delete(r.historyMap, frameID)
			r.bufferMap[frameID] = r.bufferList.PushFront(frameID)
		} else {
			r.historyList.MoveToFront(elem)
		}
		return
	}
	r.bufferList.MoveToFront(r.bufferMap[frameID])
}

// SetEvictable toggles whether a frame may be chosen as a victim and
// adjusts the evictable count. Unknown frames and repeated flags are
// ignored.
func (r *LRUK) SetEvictable(frameID base.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.history[frameID]; !tracked {
		return
	}
	if r.evictable[frameID] == evictable {
		return
	}
	r.evictable[frameID] = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict removes and returns the frame with the largest backward K-distance
// among evictable frames. Returns false if no frame is evictable.
func (r *LRUK) Evict() (base.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currSize == 0 {
		return 0, false
	}

	for elem := r.historyList.Back(); elem != nil; elem = elem.Prev() {
		frameID := elem.Value.(base.FrameID)
		if !r.evictable[frameID] {
			continue
		}
		r.historyList.Remove(elem)
		delete(r.historyMap, frameID)
		r.forget(frameID)
		return frameID, true
	}

	// Buffered frames hold exactly k timestamps; the last is the K-th most recent.
	var victim *list.Element
	for elem := r.bufferList.Back(); elem != nil; elem = elem.Prev() {
		frameID := elem.Value.(base.FrameID)
		if !r.evictable[frameID] {
			continue
		}
		if victim == nil || r.history[frameID][r.k-1] < r.history[victim.Value.(base.FrameID)][r.k-1] {
			victim = elem
		}
	}
	if victim == nil {
		return 0, false
	}
	frameID := victim.Value.(base.FrameID)
	r.bufferList.Remove(victim)
	delete(r.bufferMap, frameID)
	r.forget(frameID)
	return frameID, true
}

// Remove drops a frame's tracking entry regardless of its K-distance.
// Unknown frames are ignored. Panics if the frame is non-evictable: the
// pool only removes unpinned frames, so a non-evictable removal indicates
// a concurrency bug.
func (r *LRUK) Remove(frameID base.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.history[frameID]; !tracked {
		return
	}
	if !r.evictable[frameID] {
		panic(fmt.Sprintf("replacer: remove of non-evictable frame %d", frameID))
	}

	if elem, inHistory := r.historyMap[frameID]; inHistory {
		r.historyList.Remove(elem)
		delete(r.historyMap, frameID)
	} else {
		r.bufferList.Remove(r.bufferMap[frameID])
		delete(r.bufferMap, frameID)
	}
	r.forget(frameID)
}

// Size returns the number of evictable frames.
func (r *LRUK) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}

// forget erases a frame's history and evictability state. The caller has
// already unlinked the frame from its list and the frame is evictable.
func (r *LRUK) forget(frameID base.FrameID) {
	delete(r.history, frameID)
	delete(r.evictable, frameID)
	r.currSize--
}
