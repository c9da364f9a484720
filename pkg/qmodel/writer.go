package qmodel

import (
	"bufio"
	"fmt"
	"io"
)

// Writer streams a flat container: header first, then payloads in call order.
type Writer struct {
	w   *bufio.Writer
	n   int64
	err error
}

// NewWriter emits the header and returns a writer positioned at the first
// tensor slot.
func NewWriter(out io.Writer, h Header) (*Writer, error) {
	w := &Writer{w: bufio.NewWriterSize(out, 1<<20)}
	hdr := h.Encode()
	if _, err := w.w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	w.n = HeaderSize
	return w, nil
}

// WriteTensor appends one payload. want is the byte length the layout table
// expects for this slot; any mismatch aborts the file.
func (w *Writer) WriteTensor(name string, data []byte, want int64) error {
	if w.err != nil {
		return w.err
	}
	if int64(len(data)) != want {
		w.err = fmt.Errorf("%w: %s has %d bytes, want %d", ErrPayloadSize, name, len(data), want)
		return w.err
	}
	if _, err := w.w.Write(data); err != nil {
		w.err = fmt.Errorf("write %s: %w", name, err)
		return w.err
	}
	w.n += int64(len(data))
	return nil
}

// Size returns the bytes emitted so far, header included.
func (w *Writer) Size() int64 { return w.n }

// Flush drains the buffer. Call once after the last tensor.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}
