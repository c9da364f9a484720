package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates metadata and tensors, then emits a complete container.
// Metadata and directory order is insertion order; tensor offsets are computed
// in a pre-pass so the directory can be written before any payload.
type Writer struct {
	kv      []kvPair
	tensors []pendingTensor
}

type kvPair struct {
	key string
	typ ValueType
	val []byte // value encoding, without the type tag
}

type pendingTensor struct {
	name string
	dims []uint64
	typ  TensorType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

// AddUint32 appends a u32 metadata entry.
func (w *Writer) AddUint32(key string, v uint32) {
	val := make([]byte, 4)
	binary.LittleEndian.PutUint32(val, v)
	w.kv = append(w.kv, kvPair{key: key, typ: TypeUint32, val: val})
}

// AddString appends a string metadata entry (u64 length prefix, UTF-8 bytes).
func (w *Writer) AddString(key, v string) {
	val := make([]byte, 8+len(v))
	binary.LittleEndian.PutUint64(val, uint64(len(v)))
	copy(val[8:], v)
	w.kv = append(w.kv, kvPair{key: key, typ: TypeString, val: val})
}

// AddTensor appends a tensor with its already-encoded payload. The payload
// length must match the type's encoding of the dims exactly.
func (w *Writer) AddTensor(name string, dims []uint64, typ TensorType, data []byte) error {
	info := TensorInfo{Name: name, Dims: dims, Type: typ}
	want, err := typ.ByteSize(info.Elements())
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	if uint64(len(data)) != want {
		return fmt.Errorf("tensor %s: payload %d bytes, want %d", name, len(data), want)
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: data})
	return nil
}

// WriteTo emits the container and returns the number of bytes written.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	// Offset pre-pass over the data section.
	offsets := make([]uint64, len(w.tensors))
	var off uint64
	for i, t := range w.tensors {
		off = align(off)
		offsets[i] = off
		off += uint64(len(t.data))
	}

	e := &emitter{w: bufio.NewWriterSize(out, 1<<20)}
	e.u32(Magic)
	e.u32(Version)
	e.u64(uint64(len(w.tensors)))
	e.u64(uint64(len(w.kv)))

	for _, kv := range w.kv {
		e.str(kv.key)
		e.u32(uint32(kv.typ))
		e.raw(kv.val)
	}

	for i, t := range w.tensors {
		e.str(t.name)
		e.u32(uint32(len(t.dims)))
		for _, d := range t.dims {
			e.u64(d)
		}
		e.u32(uint32(t.typ))
		e.u64(offsets[i])
	}

	// Pad to the data section, then pad each tensor to its offset.
	e.pad(int64(align(uint64(e.n))) - e.n)
	dataStart := e.n
	for i, t := range w.tensors {
		e.pad(dataStart + int64(offsets[i]) - e.n)
		e.raw(t.data)
	}

	if e.err != nil {
		return e.n, e.err
	}
	return e.n, e.w.Flush()
}

// emitter is a little-endian writer with a sticky error and byte count.
type emitter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (e *emitter) raw(b []byte) {
	if e.err != nil {
		return
	}
	m, err := e.w.Write(b)
	e.n += int64(m)
	e.err = err
}

func (e *emitter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.raw(b[:])
}

func (e *emitter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.raw(b[:])
}

func (e *emitter) str(s string) {
	e.u64(uint64(len(s)))
	e.raw([]byte(s))
}

var zeros [Alignment]byte

func (e *emitter) pad(n int64) {
	if n < 0 {
		if e.err == nil {
			e.err = fmt.Errorf("gguf: negative padding %d", n)
		}
		return
	}
	for n > 0 {
		chunk := min(n, int64(len(zeros)))
		e.raw(zeros[:chunk])
		n -= chunk
	}
}
