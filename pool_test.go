package bufpool

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, options ...Option) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, options...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// checkResidency asserts the page table and free list partition the frame
// array: every frame is either free or resident, never both.
func checkResidency(t *testing.T, p *Pool) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, len(p.frames), len(p.pageTable)+len(p.freeList))
}

func TestPoolNewPageFillsFrames(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(3), WithReplacerK(2))

	for want := PageID(0); want < 3; want++ {
		id, frame, err := p.NewPage()
		require.NoError(t, err)
		assert.Equal(t, want, id)
		assert.Equal(t, id, frame.PageID())
		assert.Equal(t, 1, frame.PinCount())
		checkResidency(t, p)
	}
	assert.Empty(t, p.freeList)

	// All frames pinned: no fourth page.
	_, _, err := p.NewPage()
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestPoolNewPageAfterUnpin(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(3), WithReplacerK(2))

	for i := 0; i < 3; i++ {
		_, _, err := p.NewPage()
		require.NoError(t, err)
	}

	require.True(t, p.UnpinPage(0, false))

	id, _, err := p.NewPage()
	require.NoError(t, err)
	assert.Equal(t, PageID(3), id)
	checkResidency(t, p)

	// Page 0 was evicted to make room; with every frame pinned again,
	// fetching it back needs an eviction that cannot happen.
	_, err = p.FetchPage(0)
	assert.ErrorIs(t, err, ErrPoolFull)

	p.mu.Lock()
	_, resident := p.pageTable[0]
	p.mu.Unlock()
	assert.False(t, resident)
	for _, id := range []PageID{1, 2, 3} {
		p.mu.Lock()
		_, resident := p.pageTable[id]
		p.mu.Unlock()
		assert.True(t, resident, "page %d should be resident", id)
	}

	// Unpinning one resident page makes the fetch possible.
	require.True(t, p.UnpinPage(1, false))
	frame, err := p.FetchPage(0)
	require.NoError(t, err)
	assert.Equal(t, PageID(0), frame.PageID())
	checkResidency(t, p)
}

func TestPoolUnpinUnderflow(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(3))

	id, _, err := p.NewPage()
	require.NoError(t, err)

	_, err = p.FetchPage(id)
	require.NoError(t, err)
	_, err = p.FetchPage(id)
	require.NoError(t, err)

	assert.True(t, p.UnpinPage(id, false))
	assert.True(t, p.UnpinPage(id, false))
	assert.True(t, p.UnpinPage(id, false))
	assert.False(t, p.UnpinPage(id, false), "pin count underflow must be refused")

	// Unpinning a non-resident page is refused too.
	assert.False(t, p.UnpinPage(99, false))
}

func TestPoolEvictionWritesBackDirtyPage(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(2), WithReplacerK(2))

	id0, frame, err := p.NewPage()
	require.NoError(t, err)
	copy(frame.Data(), []byte("hello eviction"))
	require.True(t, p.UnpinPage(id0, true))

	// Fill the pool so id0's frame is the only victim candidate, then
	// allocate once more to force the eviction.
	id1, _, err := p.NewPage()
	require.NoError(t, err)
	_, _, err = p.NewPage()
	require.NoError(t, err)
	checkResidency(t, p)

	p.mu.Lock()
	_, resident := p.pageTable[id0]
	p.mu.Unlock()
	require.False(t, resident, "page %d should have been evicted", id0)

	// Evict again to bring id0 back from disk.
	require.True(t, p.UnpinPage(id1, false))
	frame, err = p.FetchPage(id0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello eviction"), frame.Data()[:14])
	assert.False(t, frame.IsDirty(), "freshly read page is clean")
}

func TestPoolDirtyFlagIsSticky(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(3))

	id, frame, err := p.NewPage()
	require.NoError(t, err)
	frame.Data()[0] = 1
	require.True(t, p.UnpinPage(id, true))

	// A later clean unpin must not clear the dirty flag.
	_, err = p.FetchPage(id)
	require.NoError(t, err)
	require.True(t, p.UnpinPage(id, false))

	p.mu.Lock()
	dirty := p.frames[p.pageTable[id]].dirty
	p.mu.Unlock()
	assert.True(t, dirty)
}

func TestPoolFlushPage(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(3))

	id, frame, err := p.NewPage()
	require.NoError(t, err)
	copy(frame.Data(), []byte("durable bytes"))
	require.True(t, p.UnpinPage(id, true))

	require.NoError(t, p.FlushPage(id))

	// The flush hit the disk and cleared the dirty flag without evicting.
	buf := make([]byte, PageSize)
	require.NoError(t, p.disk.ReadPage(id, buf))
	assert.Equal(t, []byte("durable bytes"), buf[:13])

	p.mu.Lock()
	frameID, resident := p.pageTable[id]
	dirty := p.frames[frameID].dirty
	p.mu.Unlock()
	assert.True(t, resident, "flush must not evict")
	assert.False(t, dirty)

	assert.ErrorIs(t, p.FlushPage(99), ErrPageNotFound)
}

func TestPoolFlushAllPages(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(4))

	var ids []PageID
	for i := 0; i < 3; i++ {
		id, frame, err := p.NewPage()
		require.NoError(t, err)
		frame.Data()[0] = byte(i + 1)
		require.True(t, p.UnpinPage(id, true))
		ids = append(ids, id)
	}

	require.NoError(t, p.FlushAllPages())

	buf := make([]byte, PageSize)
	for i, id := range ids {
		require.NoError(t, p.disk.ReadPage(id, buf))
		assert.Equal(t, byte(i+1), buf[0])
	}
}

func TestPoolDeletePage(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(3))

	// Deleting a page that was never resident succeeds trivially.
	assert.NoError(t, p.DeletePage(42))

	id, frame, err := p.NewPage()
	require.NoError(t, err)
	copy(frame.Data(), []byte("persisted"))

	// Pinned pages cannot be deleted.
	assert.ErrorIs(t, p.DeletePage(id), ErrPagePinned)

	require.True(t, p.UnpinPage(id, true))
	require.NoError(t, p.FlushPage(id))
	require.NoError(t, p.DeletePage(id))
	checkResidency(t, p)

	p.mu.Lock()
	_, resident := p.pageTable[id]
	free := len(p.freeList)
	p.mu.Unlock()
	assert.False(t, resident)
	assert.Equal(t, 3, free)

	// The pool does not cache the deletion: a fetch reads whatever the
	// disk holds for the id.
	frame, err = p.FetchPage(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), frame.Data()[:9])
}

func TestPoolPageIDsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, WithPoolSize(3))
	require.NoError(t, err)
	for want := PageID(0); want < 2; want++ {
		id, _, err := p.NewPage()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	require.NoError(t, p.Close())

	p, err = Open(path, WithPoolSize(3))
	require.NoError(t, err)
	defer p.Close()

	id, _, err := p.NewPage()
	require.NoError(t, err)
	assert.Equal(t, PageID(2), id, "allocator must resume after reopen")
}

func TestPoolCloseRejectsFurtherOps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path)
	require.NoError(t, err)

	id, frame, err := p.NewPage()
	require.NoError(t, err)
	frame.Data()[0] = 7
	require.True(t, p.UnpinPage(id, true))

	require.NoError(t, p.Close())

	_, _, err = p.NewPage()
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.FetchPage(id)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.FlushPage(id), ErrPoolClosed)
	assert.ErrorIs(t, p.DeletePage(id), ErrPoolClosed)
	assert.False(t, p.UnpinPage(id, false))
	assert.ErrorIs(t, p.Close(), ErrPoolClosed)

	// Close flushed the dirty page.
	p, err = Open(path)
	require.NoError(t, err)
	defer p.Close()
	frame, err = p.FetchPage(id)
	require.NoError(t, err)
	assert.Equal(t, byte(7), frame.Data()[0])
}

func TestPoolWritesAheadToLog(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(2), WithWAL(SyncOff))

	id, frame, err := p.NewPage()
	require.NoError(t, err)
	frame.Data()[0] = 9
	require.True(t, p.UnpinPage(id, true))
	require.NoError(t, p.FlushPage(id))

	found := false
	err = p.log.Replay(func(_ uint64, pageID PageID, data []byte) error {
		if pageID == id && data[0] == 9 {
			found = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found, "flush should append the page image to the log")
}

func TestPoolStats(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, WithPoolSize(2))

	id, _, err := p.NewPage()
	require.NoError(t, err)
	_, err = p.FetchPage(id)
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
}

func TestPoolConcurrentFetchUnpin(t *testing.T) {
	t.Parallel()

	const (
		workers = 8
		rounds  = 200
		pages   = 16
	)

	p := newTestPool(t, WithPoolSize(4), WithReplacerK(2))

	// Seed the pages so every worker reads real content.
	for i := 0; i < pages; i++ {
		id, frame, err := p.NewPage()
		require.NoError(t, err)
		frame.Data()[0] = byte(id)
		require.True(t, p.UnpinPage(id, true))
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				id := PageID((seed*31 + i) % pages)
				frame, err := p.FetchPage(id)
				if err != nil {
					// Transient exhaustion is legal under contention.
					if err == ErrPoolFull {
						continue
					}
					errs <- err
					return
				}
				if got := frame.Data()[0]; got != byte(id) {
					errs <- fmt.Errorf("page %d: got byte %d", id, got)
					return
				}
				if !p.UnpinPage(id, false) {
					errs <- fmt.Errorf("unpin refused for page %d", id)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// Every pin was matched by an unpin.
	p.mu.Lock()
	for i := range p.frames {
		assert.Equal(t, 0, p.frames[i].pinCount, "frame %d still pinned", i)
	}
	p.mu.Unlock()
	checkResidency(t, p)
}
