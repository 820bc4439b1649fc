package storage

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type fileStorage struct {
	f    afero.File
	size int64
}

// NewFile stores data through positioned reads and writes on an afero file.
func NewFile(fs afero.Fs, path string, size int64) (Storage, error) {
	if size <= 0 {
		return nil, errors.Errorf("cannot allocate %d bytes", size)
	}
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open output file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate output file")
	}
	return &fileStorage{f: f, size: size}, nil
}

func (s *fileStorage) WriteBlock(offset int64, data []byte) error {
	if s.f == nil {
		return ErrClosed
	}
	if err := checkBounds(offset, len(data), s.size); err != nil {
		return err
	}
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "write %d bytes at %d", len(data), offset)
	}
	return nil
}

func (s *fileStorage) ReadRange(offset int64, length int) ([]byte, error) {
	if s.f == nil {
		return nil, ErrClosed
	}
	if err := checkBounds(offset, length, s.size); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == length) {
		return nil, errors.Wrapf(err, "read %d bytes at %d", length, offset)
	}
	return buf, nil
}

func (s *fileStorage) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return errors.Wrap(err, "close file storage")
}
