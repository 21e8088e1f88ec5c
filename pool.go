// Package bufpool implements the buffer pool of a disk-backed storage
// engine: a fixed set of in-memory frames mediating access to an unbounded,
// page-addressed file, with LRU-K replacement and guard-based pinning.
package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"bufpool/internal/base"
	"bufpool/internal/replacer"
	"bufpool/internal/storage"
	"bufpool/internal/wal"
)

// Pool owns the frame array, the page table, the free list, the replacer,
// and the disk manager. All public operations are safe for concurrent use.
//
// A single coarse latch serializes metadata mutations (page table, free
// list, pin counts, dirty flags, replacer state) and is held across disk
// I/O, which serializes in-flight I/O for a frame with other metadata
// changes for that frame. It is always released before a frame latch is
// acquired.
type Pool struct {
	opts Options

	mu        sync.Mutex
	frames    []Frame
	pageTable map[PageID]base.FrameID
	freeList  []base.FrameID
	replacer  *replacer.LRUK
	disk      *storage.DiskManager
	log       *wal.LogManager // nil unless WithWAL
	closed    bool

	// Stats
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writebacks atomic.Uint64
}

// Open opens or creates the page file at path and builds a pool over it.
func Open(path string, options ...Option) (*Pool, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	disk, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	var log *wal.LogManager
	if opts.walEnabled {
		log, err = wal.Open(path+".wal", opts.walSyncMode.walMode())
		if err != nil {
			disk.Close()
			return nil, err
		}
	}

	p := &Pool{
		opts:      opts,
		frames:    make([]Frame, opts.poolSize),
		pageTable: make(map[PageID]base.FrameID, opts.poolSize),
		freeList:  make([]base.FrameID, 0, opts.poolSize),
		replacer:  replacer.NewLRUK(opts.poolSize, opts.replacerK),
		disk:      disk,
		log:       log,
	}

	// Initially, every frame is in the free list.
	for i := range p.frames {
		p.frames[i].id = base.FrameID(i)
		p.frames[i].pageID = InvalidPageID
		p.freeList = append(p.freeList, base.FrameID(i))
	}

	opts.logger.Info("buffer pool opened",
		"path", path, "frames", opts.poolSize, "k", opts.replacerK, "wal", opts.walEnabled)
	return p, nil
}

// NewPage allocates a fresh page id, pins it into a frame, and returns
// both. The frame's bytes are zeroed. Returns ErrPoolFull when every frame
// is pinned.
func (p *Pool) NewPage() (PageID, *Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return InvalidPageID, nil, ErrPoolClosed
	}

	frameID, err := p.acquireFrame()
	if err != nil {
		return InvalidPageID, nil, err
	}

	id := p.disk.AllocatePage()
	frame := &p.frames[frameID]
	frame.pageID = id
	frame.dirty = false
	clear(frame.data[:])

	p.pageTable[id] = frameID
	p.pin(frameID)
	return id, frame, nil
}

// FetchPage pins the page into a frame, reading it from disk on a miss,
// and returns the frame. Returns ErrPoolFull when the page is not resident
// and every frame is pinned.
func (p *Pool) FetchPage(id PageID) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if id < 0 {
		return nil, ErrInvalidPageID
	}

	if frameID, ok := p.pageTable[id]; ok {
		p.hits.Add(1)
		p.pin(frameID)
		return &p.frames[frameID], nil
	}
	p.misses.Add(1)

	frameID, err := p.acquireFrame()
	if err != nil {
		return nil, err
	}

	frame := &p.frames[frameID]
	if err := p.disk.ReadPage(id, frame.data[:]); err != nil {
		p.freeList = append(p.freeList, frameID)
		return nil, err
	}
	frame.pageID = id
	frame.dirty = false

	p.pageTable[id] = frameID
	p.pin(frameID)
	return frame, nil
}

// UnpinPage drops one pin on the page. The dirty flag is OR-ed in: a clean
// unpin never clears a previously dirty frame. When the pin count reaches
// zero the frame becomes evictable. Returns false if the page is not
// resident or is not pinned.
func (p *Pool) UnpinPage(id PageID, dirty bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	frameID, ok := p.pageTable[id]
	if !ok {
		return false
	}
	frame := &p.frames[frameID]
	if frame.pinCount == 0 {
		return false
	}

	if dirty {
		frame.dirty = true
	}
	frame.pinCount--
	if frame.pinCount == 0 {
		p.replacer.SetEvictable(frameID, true)
	}
	return true
}

// FlushPage writes the page to disk unconditionally and makes it durable
// before returning. Residency and pin count are unchanged. Returns
// ErrPageNotFound if the page is not resident.
func (p *Pool) FlushPage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	frameID, ok := p.pageTable[id]
	if !ok {
		return ErrPageNotFound
	}

	frame := &p.frames[frameID]
	if err := p.writeBack(frame); err != nil {
		return err
	}
	frame.dirty = false
	return p.disk.Sync()
}

// FlushAllPages flushes every resident page. All pages are attempted; the
// first error is returned.
func (p *Pool) FlushAllPages() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	return p.flushAll()
}

// DeletePage evicts the page from the pool and returns its frame to the
// free list. Deleting a non-resident page succeeds trivially; deleting a
// pinned page returns ErrPagePinned. The backing store is not touched: a
// later FetchPage reads whatever the disk holds for the id.
func (p *Pool) DeletePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	frameID, ok := p.pageTable[id]
	if !ok {
		return nil
	}

	frame := &p.frames[frameID]
	if frame.pinCount > 0 {
		return ErrPagePinned
	}

	delete(p.pageTable, id)
	p.replacer.Remove(frameID)
	frame.pageID = InvalidPageID
	frame.dirty = false
	clear(frame.data[:])
	p.freeList = append(p.freeList, frameID)

	p.disk.DeallocatePage(id)
	return nil
}

// Close flushes all resident pages, persists the allocator state, and
// closes the log and page files. The pool is unusable afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true

	err := p.flushAll()

	if p.log != nil {
		if cerr := p.log.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := p.disk.Close(); err == nil {
		err = cerr
	}

	p.opts.logger.Info("buffer pool closed")
	return err
}

// Stats holds cumulative pool counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:       p.hits.Load(),
		Misses:     p.misses.Load(),
		Evictions:  p.evictions.Load(),
		Writebacks: p.writebacks.Load(),
	}
}

// pin records an access, marks the frame non-evictable, and increments the
// pin count. Callers hold the pool latch.
func (p *Pool) pin(frameID base.FrameID) {
	p.replacer.RecordAccess(frameID)
	p.replacer.SetEvictable(frameID, false)
	p.frames[frameID].pinCount++
}

// acquireFrame obtains an unused frame: the free list if non-empty, else a
// replacer victim, written back first if dirty. On success the frame holds
// no page and has no page-table entry. Callers hold the pool latch.
func (p *Pool) acquireFrame() (base.FrameID, error) {
	if n := len(p.freeList); n > 0 {
		frameID := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return frameID, nil
	}

	frameID, ok := p.replacer.Evict()
	if !ok {
		return 0, ErrPoolFull
	}

	frame := &p.frames[frameID]
	if frame.dirty {
		if err := p.writeBack(frame); err != nil {
			// Undo the eviction: the frame stays resident, dirty, and
			// evictable, with its page-table entry intact.
			p.replacer.RecordAccess(frameID)
			p.replacer.SetEvictable(frameID, true)
			p.opts.logger.Warn("write-back failed, eviction undone",
				"page", frame.pageID, "error", err)
			return 0, err
		}
		frame.dirty = false
	}
	p.evictions.Add(1)

	if frame.pageID != InvalidPageID {
		delete(p.pageTable, frame.pageID)
		frame.pageID = InvalidPageID
	}
	return frameID, nil
}

// writeBack writes the frame's current page to disk, appending the page
// image to the log first when the log manager is configured. The dirty
// flag is left to the caller.
func (p *Pool) writeBack(frame *Frame) error {
	if p.log != nil {
		if _, err := p.log.Append(frame.pageID, frame.data[:]); err != nil {
			return fmt.Errorf("log page %d: %w", frame.pageID, err)
		}
	}
	if err := p.disk.WritePage(frame.pageID, frame.data[:]); err != nil {
		return err
	}
	p.writebacks.Add(1)
	return nil
}

// flushAll writes back every resident page and syncs once. Callers hold
// the pool latch.
func (p *Pool) flushAll() error {
	var err error
	for _, frameID := range p.pageTable {
		frame := &p.frames[frameID]
		if werr := p.writeBack(frame); werr != nil {
			if err == nil {
				err = werr
			}
			continue
		}
		frame.dirty = false
	}
	if serr := p.disk.Sync(); err == nil {
		err = serr
	}
	return err
}
