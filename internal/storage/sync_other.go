//go:build !linux

package storage

func (d *DiskManager) sync() error {
	return d.file.Sync()
}
