package storage

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type mmapStorage struct {
	f    *os.File
	data mmap.MMap
	size int64
}

// NewMmap truncates the file at path to size and maps it read-write.
func NewMmap(path string, size int64) (Storage, error) {
	if size <= 0 {
		return nil, errors.Errorf("cannot map %d bytes", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open output file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate output file")
	}
	data, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap output file")
	}
	return &mmapStorage{f: f, data: data, size: size}, nil
}

func (s *mmapStorage) WriteBlock(offset int64, data []byte) error {
	if s.data == nil {
		return ErrClosed
	}
	if err := checkBounds(offset, len(data), s.size); err != nil {
		return err
	}
	copy(s.data[offset:], data)
	return nil
}

func (s *mmapStorage) ReadRange(offset int64, length int) ([]byte, error) {
	if s.data == nil {
		return nil, ErrClosed
	}
	if err := checkBounds(offset, length, s.size); err != nil {
		return nil, err
	}
	return append([]byte(nil), s.data[offset:offset+int64(length)]...), nil
}

func (s *mmapStorage) Close() error {
	if s.data == nil {
		return nil
	}
	flushErr := s.data.Flush()
	unmapErr := s.data.Unmap()
	s.data = nil
	closeErr := s.f.Close()
	for _, err := range []error{flushErr, unmapErr, closeErr} {
		if err != nil {
			return errors.Wrap(err, "close mmap storage")
		}
	}
	return nil
}
