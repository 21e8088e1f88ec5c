package bufpool

import (
	"sync"

	"bufpool/internal/base"
)

// PageID identifies a logical page in the backing store.
type PageID = base.PageID

// InvalidPageID marks a frame that holds no page.
const InvalidPageID = base.InvalidPageID

// PageSize is the fixed size of a page in bytes.
const PageSize = base.PageSize

// Frame is one in-memory slot of the buffer pool. The pool latch protects
// pageID, pinCount, and dirty; the frame latch protects the page bytes and
// is only ever taken through a ReadGuard or WriteGuard, never while the
// pool latch is held.
type Frame struct {
	id    base.FrameID
	latch sync.RWMutex

	pageID   PageID
	pinCount int
	dirty    bool
	data     [PageSize]byte
}

// PageID returns the id of the resident page, or InvalidPageID.
func (f *Frame) PageID() PageID { return f.pageID }

// PinCount returns the number of outstanding pins.
func (f *Frame) PinCount() int { return f.pinCount }

// IsDirty reports whether the frame has been modified since it was last
// read from or written to disk.
func (f *Frame) IsDirty() bool { return f.dirty }

// Data returns the frame's page bytes. Callers that share the page across
// goroutines must hold the frame latch, most easily through a guard.
func (f *Frame) Data() []byte { return f.data[:] }

// RLatch acquires the frame's shared latch.
func (f *Frame) RLatch() { f.latch.RLock() }

// RUnlatch releases the frame's shared latch.
func (f *Frame) RUnlatch() { f.latch.RUnlock() }

// WLatch acquires the frame's exclusive latch.
func (f *Frame) WLatch() { f.latch.Lock() }

// WUnlatch releases the frame's exclusive latch.
func (f *Frame) WUnlatch() { f.latch.Unlock() }
