// Package safetensors reads model weights from a directory of safetensors
// shards and presents them as a flat name -> tensor store.
//
// Sources are widened to float32 on read: bf16 -> f32 is exact (the 16 payload
// bits become the high half of the float32 bit pattern), f16 -> f32 is the
// standard widening. The store never downcasts.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

// ErrTensorNotFound reports a weight name absent from every shard.
var ErrTensorNotFound = errors.New("safetensors: tensor not found")

// ErrNoShards reports a model directory with no .safetensors files.
var ErrNoShards = errors.New("safetensors: no .safetensors files found")

// TensorInfo describes one tensor payload within a shard. Start/End are byte
// offsets relative to the shard's data region (End exclusive).
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Elements returns the product of the tensor's shape.
func (t TensorInfo) Elements() (int, error) {
	if len(t.Shape) == 0 {
		return 0, errors.New("safetensors: empty shape")
	}
	n := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return 0, fmt.Errorf("safetensors: invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, errors.New("safetensors: tensor too large")
		}
		n *= d
	}
	return n, nil
}

// File is a single parsed safetensors shard.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of a single .safetensors file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}
	delete(raw, "__metadata__")

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %s: %w", path, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("%s: tensor %s: invalid data_offsets", path, name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
	}, nil
}

func (f *File) readTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("%s: read tensor %s: %w", f.Path, name, err)
	}
	return buf, t, nil
}

// Store indexes tensors across all shards of a model directory.
type Store struct {
	Files []*File
	index map[string]int // tensor name -> shard
}

// OpenDir opens every *.safetensors file in dir, in sorted order. Later shards
// win on duplicate names, matching the reference loader.
func OpenDir(dir string) (*Store, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoShards, dir)
	}
	sort.Strings(paths)

	s := &Store{index: make(map[string]int)}
	for i, p := range paths {
		f, err := Open(p)
		if err != nil {
			return nil, err
		}
		s.Files = append(s.Files, f)
		for name := range f.Tensors {
			s.index[name] = i
		}
	}
	return s, nil
}

// Has reports whether a tensor of the given name exists in any shard.
func (s *Store) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Info returns the shard-level description of a tensor.
func (s *Store) Info(name string) (TensorInfo, bool) {
	i, ok := s.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	t, ok := s.Files[i].Tensors[name]
	return t, ok
}

// GetF32 returns the named tensor flattened to float32.
func (s *Store) GetF32(name string) ([]float32, error) {
	i, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	raw, info, err := s.Files[i].readTensor(name)
	if err != nil {
		return nil, err
	}
	n, err := info.Elements()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	switch info.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := range n {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "BF16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		out := make([]float32, n)
		for i := range n {
			u := binary.LittleEndian.Uint16(raw[i*2:])
			out[i] = math.Float32frombits(uint32(u) << 16)
		}
		return out, nil
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := range n {
			u := binary.LittleEndian.Uint16(raw[i*2:])
			out[i] = float16.Frombits(u).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
}

// GetRawBF16 returns the raw 16-bit payload of a BF16 tensor, for formats that
// carry the embedding table as bf16 bits verbatim. Any other dtype is an
// error: narrowing a wider source here would silently change the contract.
func (s *Store) GetRawBF16(name string) ([]byte, error) {
	i, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	raw, info, err := s.Files[i].readTensor(name)
	if err != nil {
		return nil, err
	}
	if info.DType != "BF16" {
		return nil, fmt.Errorf("tensor %s: bf16 passthrough needs BF16 source, got %s", name, info.DType)
	}
	n, err := info.Elements()
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*2 {
		return nil, fmt.Errorf("tensor %s: invalid bf16 data size", name)
	}
	return raw, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
