// Package storage provides the file-backed page store beneath the buffer
// pool: fixed-size pages addressed by PageID, plus a checksummed meta page
// holding the allocator state.
package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"bufpool/internal/base"
)

// Meta page layout, at file offset 0:
// [Magic:4][Version:2][PageSize:2][NextPageID:8][NumPages:8][Checksum:8]
const (
	metaSize         = 32
	metaChecksumSize = 8
)

// Data page p lives at offset (p+1)*PageSize; offset 0 is the meta page.
const dataStart = base.PageSize

// DiskManager reads and writes fixed-size pages in a single file and owns
// the monotone page allocator. Reads and writes are synchronous; Sync
// makes prior writes durable.
type DiskManager struct {
	mu         sync.Mutex // protects meta fields
	file       *os.File
	path       string
	nextPageID base.PageID
	numPages   uint64 // high-water mark of written pages

	// Stats counters
	reads  atomic.Uint64
	writes atomic.Uint64
	syncs  atomic.Uint64
}

// Open opens or creates the page file at path. A new file gets a meta page
// written immediately; an existing file has its meta validated.
func Open(path string) (*DiskManager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	d := &DiskManager{file: file, path: path}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if err := d.writeMeta(); err != nil {
			file.Close()
			return nil, err
		}
		if err := d.sync(); err != nil {
			file.Close()
			return nil, err
		}
	} else if err := d.readMeta(); err != nil {
		file.Close()
		return nil, err
	}

	return d, nil
}

// ReadPage reads page id into buf, which must be exactly PageSize bytes.
// A page beyond the end of the file reads back as zeroes: allocated but
// never-written pages are all-zero by definition.
func (d *DiskManager) ReadPage(id base.PageID, buf []byte) error {
	if id < 0 {
		return base.ErrInvalidPageID
	}
	if len(buf) != base.PageSize {
		return fmt.Errorf("read page %d: buffer is %d bytes, want %d", id, len(buf), base.PageSize)
	}

	offset := dataStart + int64(id)*base.PageSize
	d.reads.Add(1)

	n, err := d.file.ReadAt(buf, offset)
	if err == io.EOF {
		clear(buf[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("read page %d: %w", id, err)
	}
	return nil
}

// WritePage writes buf, which must be exactly PageSize bytes, as page id.
func (d *DiskManager) WritePage(id base.PageID, buf []byte) error {
	if id < 0 {
		return base.ErrInvalidPageID
	}
	if len(buf) != base.PageSize {
		return fmt.Errorf("write page %d: buffer is %d bytes, want %d", id, len(buf), base.PageSize)
	}

	offset := dataStart + int64(id)*base.PageSize
	d.writes.Add(1)

	n, err := d.file.WriteAt(buf, offset)
	if err != nil {
		return fmt.Errorf("write page %d: %w", id, err)
	}
	if n != base.PageSize {
		return fmt.Errorf("write page %d: short write of %d bytes", id, n)
	}

	d.mu.Lock()
	if uint64(id)+1 > d.numPages {
		d.numPages = uint64(id) + 1
	}
	d.mu.Unlock()
	return nil
}

// AllocatePage hands out the next page id. Identifiers are monotone and
// never reused.
func (d *DiskManager) AllocatePage() base.PageID {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextPageID
	d.nextPageID++
	return id
}

// DeallocatePage releases a page id. The allocator is a monotone counter,
// so this is a logical no-op.
func (d *DiskManager) DeallocatePage(base.PageID) {}

// Sync makes all prior writes durable.
func (d *DiskManager) Sync() error {
	d.syncs.Add(1)
	return d.sync()
}

// Close persists the allocator meta and closes the file.
func (d *DiskManager) Close() error {
	if err := d.writeMeta(); err != nil {
		d.file.Close()
		return err
	}
	if err := d.sync(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}

// Stats reports read/write/sync counts since open.
func (d *DiskManager) Stats() (reads, writes, syncs uint64) {
	return d.reads.Load(), d.writes.Load(), d.syncs.Load()
}

func (d *DiskManager) writeMeta() error {
	d.mu.Lock()
	var buf [metaSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], base.MagicNumber)
	binary.LittleEndian.PutUint16(buf[4:6], base.FormatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], base.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.nextPageID))
	binary.LittleEndian.PutUint64(buf[16:24], d.numPages)
	sum := xxhash.Sum64(buf[:metaSize-metaChecksumSize])
	binary.LittleEndian.PutUint64(buf[24:32], sum)
	d.mu.Unlock()

	if _, err := d.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (d *DiskManager) readMeta() error {
	var buf [metaSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(d.file, 0, metaSize), buf[:]); err != nil {
		return fmt.Errorf("read meta: %w", err)
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != base.MagicNumber {
		return base.ErrInvalidMagicNumber
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != base.FormatVersion {
		return base.ErrInvalidVersion
	}
	if binary.LittleEndian.Uint16(buf[6:8]) != base.PageSize {
		return base.ErrInvalidPageSize
	}
	sum := xxhash.Sum64(buf[:metaSize-metaChecksumSize])
	if binary.LittleEndian.Uint64(buf[24:32]) != sum {
		return base.ErrInvalidChecksum
	}

	d.mu.Lock()
	d.nextPageID = base.PageID(binary.LittleEndian.Uint64(buf[8:16]))
	d.numPages = binary.LittleEndian.Uint64(buf[16:24])
	d.mu.Unlock()
	return nil
}
