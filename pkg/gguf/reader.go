package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// KV is one decoded metadata entry. Entries keep file order.
type KV struct {
	Key   string
	Type  ValueType
	Value any
}

// File is a parsed container. The data section is memory-mapped when the
// platform allows it, with a pread fallback otherwise.
type File struct {
	Path       string
	KV         []KV
	Tensors    []TensorInfo
	DataOffset uint64

	data []byte // nil without mmap
	f    *os.File
}

// Open parses the header, metadata and tensor directory of a container.
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

	var data []byte
	if st.Size() > 0 {
		if m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			data = m
		}
	}

	var ra io.ReaderAt = f
	if data != nil {
		ra = bytes.NewReader(data)
	}
	c := &cursor{r: ra, size: st.Size()}

	file, err := parse(c, path)
	if err != nil {
		if data != nil {
			_ = unix.Munmap(data)
		}
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.data = data
	file.f = f
	return file, nil
}

func parse(c *cursor, path string) (*File, error) {
	magic, err := c.u32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, magic)
	}
	version, err := c.u32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("gguf: unsupported version %d", version)
	}
	tensorCount, err := c.u64()
	if err != nil {
		return nil, err
	}
	kvCount, err := c.u64()
	if err != nil {
		return nil, err
	}

	kvs := make([]KV, 0, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := c.str()
		if err != nil {
			return nil, fmt.Errorf("metadata key %d: %w", i, err)
		}
		typRaw, err := c.u32()
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		typ := ValueType(typRaw)
		val, err := readValue(c, typ)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		kvs = append(kvs, KV{Key: key, Type: typ, Value: val})
	}

	tensors := make([]TensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := c.str()
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		rank, err := c.u32()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		dims := make([]uint64, rank)
		for d := range dims {
			if dims[d], err = c.u64(); err != nil {
				return nil, fmt.Errorf("tensor %s dim %d: %w", name, d, err)
			}
		}
		typRaw, err := c.u32()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		offset, err := c.u64()
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors = append(tensors, TensorInfo{
			Name:   name,
			Dims:   dims,
			Type:   TensorType(typRaw),
			Offset: offset,
		})
	}

	return &File{
		Path:       path,
		KV:         kvs,
		Tensors:    tensors,
		DataOffset: align(uint64(c.off)),
	}, nil
}

func readValue(c *cursor, typ ValueType) (any, error) {
	switch typ {
	case TypeUint8, TypeInt8, TypeBool:
		b, err := c.bytes(1)
		if err != nil {
			return nil, err
		}
		switch typ {
		case TypeInt8:
			return int8(b[0]), nil
		case TypeBool:
			return b[0] != 0, nil
		}
		return b[0], nil
	case TypeUint16, TypeInt16:
		b, err := c.bytes(2)
		if err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint16(b)
		if typ == TypeInt16 {
			return int16(v), nil
		}
		return v, nil
	case TypeUint32, TypeInt32, TypeFloat32:
		v, err := c.u32()
		if err != nil {
			return nil, err
		}
		switch typ {
		case TypeInt32:
			return int32(v), nil
		case TypeFloat32:
			return math.Float32frombits(v), nil
		}
		return v, nil
	case TypeUint64, TypeInt64, TypeFloat64:
		v, err := c.u64()
		if err != nil {
			return nil, err
		}
		switch typ {
		case TypeInt64:
			return int64(v), nil
		case TypeFloat64:
			return math.Float64frombits(v), nil
		}
		return v, nil
	case TypeString:
		return c.str()
	case TypeArray:
		elemRaw, err := c.u32()
		if err != nil {
			return nil, err
		}
		count, err := c.u64()
		if err != nil {
			return nil, err
		}
		vals := make([]any, 0, count)
		for range count {
			v, err := readValue(c, ValueType(elemRaw))
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil
	}
	return nil, fmt.Errorf("%w: value %s", ErrUnsupportedType, typ)
}

// Lookup returns a metadata value by key.
func (f *File) Lookup(key string) (any, bool) {
	for _, kv := range f.KV {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// TensorByName returns the directory entry for name.
func (f *File) TensorByName(name string) (TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorInfo{}, false
}

// TensorData returns the raw encoded payload of a tensor.
func (f *File) TensorData(name string) ([]byte, TensorInfo, error) {
	info, ok := f.TensorByName(name)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	size, err := info.Type.ByteSize(info.Elements())
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	off := int64(f.DataOffset + info.Offset)

	if f.data != nil {
		if int64(len(f.data)) < off+int64(size) {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: truncated data section", name)
		}
		return f.data[off : off+int64(size)], info, nil
	}
	buf := make([]byte, size)
	if _, err := f.f.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
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

// cursor reads little-endian primitives at a tracked offset.
type cursor struct {
	r    io.ReaderAt
	off  int64
	size int64
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.off+int64(n) > c.size {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := c.r.ReadAt(buf, c.off); err != nil {
		return nil, err
	}
	c.off += int64(n)
	return buf, nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if n > uint64(c.size) {
		return "", fmt.Errorf("gguf: string length %d exceeds file size", n)
	}
	b, err := c.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
