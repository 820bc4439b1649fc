// Package storage persists verified and unverified piece data at its absolute
// offset in the single output file.
package storage

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	ErrOutOfBounds = errors.New("range out of bounds")
	ErrClosed      = errors.New("storage closed")
)

type Storage interface {
	WriteBlock(offset int64, data []byte) error
	ReadRange(offset int64, length int) ([]byte, error)
	Close() error
}

type Kind string

const (
	KindMmap Kind = "mmap"
	KindFile Kind = "file"
)

// Open creates or reuses the output file at path, sized to size bytes. The
// mmap backend always uses the OS filesystem.
func Open(kind Kind, fs afero.Fs, path string, size int64) (Storage, error) {
	switch kind {
	case KindMmap:
		return NewMmap(path, size)
	case KindFile, "":
		return NewFile(fs, path, size)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

func checkBounds(offset int64, length int, size int64) error {
	if offset < 0 || length < 0 || offset+int64(length) > size {
		return errors.Wrapf(ErrOutOfBounds, "offset %d length %d size %d", offset, length, size)
	}
	return nil
}
