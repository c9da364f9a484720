package qmodel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// File is an opened flat container. The payload region is memory-mapped when
// possible; callers derive per-tensor offsets from the header hyperparameters
// and the fixed emission order.
type File struct {
	Path   string
	Header Header
	Size   int64

	data []byte
	f    *os.File
}

// Open maps the container and validates its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() < HeaderSize {
		_ = f.Close()
		return nil, fmt.Errorf("%s: file too small for a header (%d bytes)", path, st.Size())
	}

	var data []byte
	if m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		data = m
	}

	hdrBuf := make([]byte, HeaderSize)
	if data != nil {
		copy(hdrBuf, data)
	} else if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	hdr, err := DecodeHeader(hdrBuf)
	if err != nil {
		if data != nil {
			_ = unix.Munmap(data)
		}
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &File{Path: path, Header: hdr, Size: st.Size(), data: data, f: f}, nil
}

// Payload returns size bytes starting at off within the payload region
// (off 0 is the first byte after the header).
func (f *File) Payload(off, size int64) ([]byte, error) {
	start := HeaderSize + off
	if off < 0 || size < 0 || start+size > f.Size {
		return nil, fmt.Errorf("%s: payload [%d, %d) outside file", f.Path, off, off+size)
	}
	if f.data != nil {
		return f.data[start : start+size], nil
	}
	buf := make([]byte, size)
	if _, err := f.f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("%s: read payload at %d: %w", f.Path, off, err)
	}
	return buf, nil
}

func (f *File) Close() error {
	if f.data != nil {
		if err := unix.Munmap(f.data); err != nil {
			_ = f.f.Close()
			return err
		}
		f.data = nil
	}
	return f.f.Close()
}
