package bufpool

// PageGuard is a scoped handle to a pinned page. Releasing it, explicitly
// or through a closure helper, unpins exactly once; a released guard is
// inert and releasing again is a no-op. Guards are not safe for concurrent
// use by multiple goroutines.
type PageGuard struct {
	pool     *Pool
	frame    *Frame
	pageID   PageID
	dirty    bool // hint passed to UnpinPage on release
	released bool
}

// FetchPageBasic fetches the page and wraps it in a PageGuard.
func (p *Pool) FetchPageBasic(id PageID) (*PageGuard, error) {
	frame, err := p.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return &PageGuard{pool: p, frame: frame, pageID: id}, nil
}

// FetchPageRead fetches the page, takes its shared latch, and wraps it in
// a ReadGuard. Blocks while another goroutine holds the exclusive latch.
func (p *Pool) FetchPageRead(id PageID) (*ReadGuard, error) {
	g, err := p.FetchPageBasic(id)
	if err != nil {
		return nil, err
	}
	return g.UpgradeRead(), nil
}

// FetchPageWrite fetches the page, takes its exclusive latch, and wraps it
// in a WriteGuard.
func (p *Pool) FetchPageWrite(id PageID) (*WriteGuard, error) {
	g, err := p.FetchPageBasic(id)
	if err != nil {
		return nil, err
	}
	return g.UpgradeWrite(), nil
}

// NewPageGuarded allocates a fresh page and wraps it in a PageGuard. The
// page id is available via PageID.
func (p *Pool) NewPageGuarded() (*PageGuard, error) {
	id, frame, err := p.NewPage()
	if err != nil {
		return nil, err
	}
	return &PageGuard{pool: p, frame: frame, pageID: id}, nil
}

// PageID returns the guarded page's id, or InvalidPageID after release.
func (g *PageGuard) PageID() PageID {
	if g.released {
		return InvalidPageID
	}
	return g.pageID
}

// Data returns the page bytes, or nil after release.
func (g *PageGuard) Data() []byte {
	if g.released {
		return nil
	}
	return g.frame.Data()
}

// SetDirty marks the page dirty on release.
func (g *PageGuard) SetDirty() {
	g.dirty = true
}

// Release unpins the page. Safe to call more than once; only the first
// call acts.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.pool.UnpinPage(g.pageID, g.dirty)
}

// UpgradeRead acquires the frame's shared latch and transfers ownership of
// the pin to the returned ReadGuard. The source guard becomes inert. An
// already-released guard yields a released ReadGuard.
func (g *PageGuard) UpgradeRead() *ReadGuard {
	if g.released {
		return &ReadGuard{g: PageGuard{released: true}}
	}
	rg := &ReadGuard{g: *g}
	g.released = true
	rg.g.frame.RLatch()
	return rg
}

// UpgradeWrite acquires the frame's exclusive latch and transfers
// ownership of the pin to the returned WriteGuard. The source guard
// becomes inert.
func (g *PageGuard) UpgradeWrite() *WriteGuard {
	if g.released {
		return &WriteGuard{g: PageGuard{released: true}}
	}
	wg := &WriteGuard{g: *g}
	g.released = true
	wg.g.frame.WLatch()
	return wg
}

// ReadGuard holds a pinned page under its shared latch. The page bytes
// must not be mutated through it.
type ReadGuard struct {
	g PageGuard
}

// PageID returns the guarded page's id, or InvalidPageID after release.
func (g *ReadGuard) PageID() PageID { return g.g.PageID() }

// Data returns the page bytes for reading, or nil after release. Callers
// must not modify the returned slice.
func (g *ReadGuard) Data() []byte { return g.g.Data() }

// Release drops the shared latch and unpins. Only the first call acts.
func (g *ReadGuard) Release() {
	if g.g.released {
		return
	}
	g.g.frame.RUnlatch()
	g.g.Release()
}

// WriteGuard holds a pinned page under its exclusive latch, granting
// exclusive byte-level access.
type WriteGuard struct {
	g PageGuard
}

// PageID returns the guarded page's id, or InvalidPageID after release.
func (g *WriteGuard) PageID() PageID { return g.g.PageID() }

// Data returns the page bytes for mutation, or nil after release. The
// page is marked dirty.
func (g *WriteGuard) Data() []byte {
	if g.g.released {
		return nil
	}
	g.g.dirty = true
	return g.g.frame.Data()
}

// SetDirty marks the page dirty on release.
func (g *WriteGuard) SetDirty() { g.g.SetDirty() }

// Release drops the exclusive latch and unpins. Only the first call acts.
func (g *WriteGuard) Release() {
	if g.g.released {
		return
	}
	g.g.frame.WUnlatch()
	g.g.Release()
}

// ViewPage runs fn with the page bytes under a ReadGuard, releasing on all
// exit paths including panics. fn must not modify the bytes.
func (p *Pool) ViewPage(id PageID, fn func(data []byte) error) error {
	g, err := p.FetchPageRead(id)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g.Data())
}

// UpdatePage runs fn with the page bytes under a WriteGuard, releasing on
// all exit paths including panics. The page is marked dirty.
func (p *Pool) UpdatePage(id PageID, fn func(data []byte) error) error {
	g, err := p.FetchPageWrite(id)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g.Data())
}
