//go:build linux

package storage

import "golang.org/x/sys/unix"

// sync flushes file data without forcing a metadata flush. File size only
// grows through WriteAt, which the kernel journals with the data blocks,
// so fdatasync is sufficient here.
func (d *DiskManager) sync() error {
	return unix.Fdatasync(int(d.file.Fd()))
}
