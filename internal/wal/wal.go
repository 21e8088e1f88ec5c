// Package wal implements the buffer pool's log manager: an append-only log
// of page images written ahead of every write-back.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"bufpool/internal/base"
)

// SyncMode controls when the log is fsynced to disk.
type SyncMode int

const (
	// SyncEveryAppend fsyncs after every record. Slowest, zero loss window.
	SyncEveryAppend SyncMode = iota

	// SyncOff never fsyncs from the log manager (testing/bulk loads only).
	SyncOff
)

// Record types
const (
	RecordPage uint8 = 1 // full page image
)

// Record format: [Type:1][LSN:8][PageID:8][DataLen:4][Data:N]
const recordHeaderSize = 1 + 8 + 8 + 4

// LogManager appends page-image records to a log file. Appends are
// serialized; each record carries a monotone LSN.
type LogManager struct {
	mu      sync.Mutex
	file    *os.File
	offset  int64 // current append position
	nextLSN uint64

	syncMode SyncMode
}

// Open opens or creates a log file. An existing log is scanned to recover
// the append position and next LSN; a torn tail is truncated.
func Open(path string, syncMode SyncMode) (*LogManager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	l := &LogManager{
		file:     file,
		nextLSN:  1,
		syncMode: syncMode,
	}

	if err := l.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// Append writes a page-image record and returns its LSN.
func (l *LogManager) Append(pageID base.PageID, data []byte) (uint64, error) {
	if len(data) != base.PageSize {
		return 0, fmt.Errorf("wal: page image is %d bytes, want %d", len(data), base.PageSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN

	buf := make([]byte, recordHeaderSize+len(data))
	buf[0] = RecordPage
	binary.LittleEndian.PutUint64(buf[1:9], lsn)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(pageID))
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(data)))
	copy(buf[recordHeaderSize:], data)

	n, err := l.file.WriteAt(buf, l.offset)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("wal: short append of %d bytes", n)
	}

	l.offset += int64(n)
	l.nextLSN++

	if l.syncMode == SyncEveryAppend {
		if err := l.file.Sync(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// Replay invokes fn for every record in LSN order. The data slice is only
// valid for the duration of the callback.
func (l *LogManager) Replay(fn func(lsn uint64, pageID base.PageID, data []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var header [recordHeaderSize]byte
	data := make([]byte, base.PageSize)
	offset := int64(0)

	for offset < l.offset {
		if _, err := l.file.ReadAt(header[:], offset); err != nil {
			return fmt.Errorf("wal: replay header at %d: %w", offset, err)
		}
		if header[0] != RecordPage {
			return fmt.Errorf("wal: unknown record type %d at %d", header[0], offset)
		}
		lsn := binary.LittleEndian.Uint64(header[1:9])
		pageID := base.PageID(binary.LittleEndian.Uint64(header[9:17]))
		dataLen := binary.LittleEndian.Uint32(header[17:21])
		if dataLen != base.PageSize {
			return fmt.Errorf("wal: bad record length %d at %d", dataLen, offset)
		}

		if _, err := l.file.ReadAt(data, offset+recordHeaderSize); err != nil {
			return fmt.Errorf("wal: replay data at %d: %w", offset, err)
		}
		if err := fn(lsn, pageID, data); err != nil {
			return err
		}
		offset += recordHeaderSize + int64(dataLen)
	}
	return nil
}

// Sync makes appended records durable.
func (l *LogManager) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close syncs and closes the log file.
func (l *LogManager) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// recover scans the log to find the append position and next LSN,
// truncating any torn tail from an interrupted append.
func (l *LogManager) recover() error {
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	var header [recordHeaderSize]byte
	offset := int64(0)

	for offset+recordHeaderSize <= size {
		if _, err := l.file.ReadAt(header[:], offset); err != nil {
			return err
		}
		if header[0] != RecordPage {
			break
		}
		dataLen := int64(binary.LittleEndian.Uint32(header[17:21]))
		if dataLen != base.PageSize || offset+recordHeaderSize+dataLen > size {
			break
		}
		l.nextLSN = binary.LittleEndian.Uint64(header[1:9]) + 1
		offset += recordHeaderSize + dataLen
	}

	if offset < size {
		if err := l.file.Truncate(offset); err != nil {
			return err
		}
	}
	l.offset = offset
	return nil
}
