package store

import (
	"fmt"
	"os"
)

// FileImage keeps the NV image in a flat file sized like the EEPROM it
// stands in for. Commit is an fsync.
type FileImage struct {
	f    *os.File
	size int64
}

func OpenFileImage(path string, size int64) (*FileImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open image: %v", ErrStorage, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat image: %v", ErrStorage, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: size image: %v", ErrStorage, err)
		}
	}
	return &FileImage{f: f, size: size}, nil
}

func (fi *FileImage) ReadAt(p []byte, off int64) (int, error) {
	return fi.f.ReadAt(p, off)
}

func (fi *FileImage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > fi.size {
		return 0, fmt.Errorf("%w: write %d bytes at %d (size %d)", ErrOutOfRange, len(p), off, fi.size)
	}
	return fi.f.WriteAt(p, off)
}

func (fi *FileImage) Commit() error {
	return fi.f.Sync()
}

func (fi *FileImage) Close() error {
	return fi.f.Close()
}
