package convert

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/qpack/internal/layout"
	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/internal/qwenasr"
	"github.com/samcharles93/qpack/internal/safetensors"
	"github.com/samcharles93/qpack/pkg/gguf"
	"github.com/samcharles93/qpack/pkg/qmodel"
)

type srcTensor struct {
	dtype string
	shape []int
	data  []byte
}

// writeShard builds a minimal safetensors file for the driver to consume.
func writeShard(t *testing.T, path string, names []string, tensors map[string]srcTensor) {
	t.Helper()

	type headerEntry struct {
		DType       string  `json:"dtype"`
		Shape       []int   `json:"shape"`
		DataOffsets []int64 `json:"data_offsets"`
	}
	header := make(map[string]headerEntry, len(tensors))
	var off int64
	var payload []byte
	for _, name := range names {
		tt := tensors[name]
		header[name] = headerEntry{
			DType:       tt.dtype,
			Shape:       tt.shape,
			DataOffsets: []int64{off, off + int64(len(tt.data))},
		}
		payload = append(payload, tt.data...)
		off += int64(len(tt.data))
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	buf.Write(lenBuf[:])
	buf.Write(hdr)
	buf.Write(payload)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func ones(n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = 1
	}
	return x
}

func quietLogger() logger.Logger {
	return logger.Text(io.Discard, slog.LevelError+1)
}

// A 64x896 all-ones attention weight must come out as a q8_0 tensor named per
// the mapping table, with every block encoding scale 1/127 and code 127.
func TestWriteGGUFSyntheticAttention(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	const elems = 64 * 896
	src := "thinker.audio_tower.layers.0.self_attn.q_proj.weight"
	writeShard(t, filepath.Join(dir, "model.safetensors"),
		[]string{src},
		map[string]srcTensor{
			src: {dtype: "F32", shape: []int{64, 896}, data: f32Bytes(ones(elems))},
		})

	store, err := safetensors.OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	cfg, err := qwenasr.ConfigForVariant(qwenasr.Variant0_6B)
	if err != nil {
		t.Fatalf("ConfigForVariant: %v", err)
	}
	table := []layout.Entry{
		{Name: "enc.layers.0.attn.q.weight", Src: []string{src}, Kind: layout.KindQ8, Elems: elems},
	}

	path := filepath.Join(t.TempDir(), "out.gguf")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writeGGUF(out, store, cfg, table, quietLogger()); err != nil {
		t.Fatalf("writeGGUF: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := gguf.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if v, ok := f.Lookup("general.architecture"); !ok || v != "qwen_asr" {
		t.Fatalf("architecture: got %v", v)
	}
	if v, ok := f.Lookup("qwen_asr.enc_layers"); !ok || v != uint32(18) {
		t.Fatalf("enc_layers metadata: got %v", v)
	}

	data, info, err := f.TensorData("enc.layers.0.attn.q.weight")
	if err != nil {
		t.Fatalf("TensorData: %v", err)
	}
	if info.Type != gguf.TypeQ8_0 {
		t.Fatalf("type: got %s, want Q8_0", info.Type)
	}
	if want := elems / 32 * 34; len(data) != want {
		t.Fatalf("payload: got %d bytes, want %d", len(data), want)
	}

	wantScale := float16.Fromfloat32(float32(1) / 127).Bits()
	for b := 0; b < len(data); b += 34 {
		if got := binary.LittleEndian.Uint16(data[b:]); got != wantScale {
			t.Fatalf("block %d scale: got %#04x, want %#04x", b/34, got, wantScale)
		}
		for i := range 32 {
			if int8(data[b+2+i]) != 127 {
				t.Fatalf("block %d code %d: got %d, want 127", b/34, i, int8(data[b+2+i]))
			}
		}
	}
}

func TestWriteQModelSynthetic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	bf16Bits := make([]byte, 32*2)
	for i := range 32 {
		binary.LittleEndian.PutUint16(bf16Bits[i*2:], uint16(0x3F80+i))
	}
	biasVals := []float32{0.5, -0.5, 1, -1, 2, -2, 3, -3}
	gateVals := ones(32)
	upVals := make([]float32, 32)
	for i := range upVals {
		upVals[i] = -1
	}

	names := []string{
		"thinker.audio_tower.conv2d1.bias",
		"thinker.model.embed_tokens.weight",
		"thinker.model.layers.0.mlp.gate_proj.weight",
		"thinker.model.layers.0.mlp.up_proj.weight",
	}
	writeShard(t, filepath.Join(dir, "model.safetensors"), names, map[string]srcTensor{
		names[0]: {dtype: "F32", shape: []int{8}, data: f32Bytes(biasVals)},
		names[1]: {dtype: "BF16", shape: []int{4, 8}, data: bf16Bits},
		names[2]: {dtype: "F32", shape: []int{1, 32}, data: f32Bytes(gateVals)},
		names[3]: {dtype: "F32", shape: []int{1, 32}, data: f32Bytes(upVals)},
	})

	store, err := safetensors.OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	cfg, err := qwenasr.ConfigForVariant(qwenasr.Variant0_6B)
	if err != nil {
		t.Fatalf("ConfigForVariant: %v", err)
	}
	table := []layout.Entry{
		{Name: "conv1.bias", Src: []string{names[0]}, Kind: layout.KindF32, Elems: 8},
		{Name: "tok_emb.bf16", Src: []string{names[1]}, Kind: layout.KindBF16, Elems: 32},
		{Name: "tok_emb.q8", Src: []string{names[1]}, Kind: layout.KindQ8F32, Elems: 32},
		{Name: "gate_up.weight", Src: []string{names[2], names[3]}, Kind: layout.KindQ8F32, Rows: 1, Cols: 32, Elems: 64},
	}

	path := filepath.Join(t.TempDir(), "out.qmodel")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writeQModel(out, store, headerFromConfig(cfg), table, quietLogger()); err != nil {
		t.Fatalf("writeQModel: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := qmodel.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.EncDModel != 896 || f.Header.VocabSize != 151936 {
		t.Fatalf("header: %+v", f.Header)
	}
	if want := int64(qmodel.HeaderSize) + layout.TotalSize(table); f.Size != want {
		t.Fatalf("file size: got %d, want %d", f.Size, want)
	}

	// First slot: the f32 bias verbatim.
	bias, err := f.Payload(0, table[0].ByteSize())
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(bias, f32Bytes(biasVals)) {
		t.Fatalf("bias payload mismatch")
	}

	// Second slot: the embedding's bf16 bits untouched.
	raw, err := f.Payload(table[0].ByteSize(), table[1].ByteSize())
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(raw, bf16Bits) {
		t.Fatalf("raw bf16 payload mismatch")
	}

	// Fused slot: first block is the all-ones gate row, second the all
	// minus-ones up row: same scale, opposite codes.
	fusedOff := table[0].ByteSize() + table[1].ByteSize() + table[2].ByteSize()
	fused, err := f.Payload(fusedOff, table[3].ByteSize())
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	for i := range 32 {
		if int8(fused[4+i]) != 127 {
			t.Fatalf("gate code %d: got %d, want 127", i, int8(fused[4+i]))
		}
		if int8(fused[36+4+i]) != -127 {
			t.Fatalf("up code %d: got %d, want -127", i, int8(fused[36+4+i]))
		}
	}
}

func TestConvertMissingInputs(t *testing.T) {
	t.Parallel()

	empty := t.TempDir()
	opts := Options{ModelDir: empty, OutputPath: filepath.Join(t.TempDir(), "out.gguf"), Logger: quietLogger()}
	if err := GGUF(opts); !errors.Is(err, safetensors.ErrNoShards) {
		t.Fatalf("GGUF on empty dir: got %v, want ErrNoShards", err)
	}
	if err := QModel(opts); !errors.Is(err, safetensors.ErrNoShards) {
		t.Fatalf("QModel on empty dir: got %v, want ErrNoShards", err)
	}
}

func TestEncodeEntryMissingTensor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	writeShard(t, filepath.Join(dir, "model.safetensors"),
		[]string{"present"},
		map[string]srcTensor{
			"present": {dtype: "F32", shape: []int{4}, data: f32Bytes([]float32{1, 2, 3, 4})},
		})
	store, err := safetensors.OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}

	e := layout.Entry{Name: "x", Src: []string{"absent"}, Kind: layout.KindF32, Elems: 4}
	if _, err := encodeEntry(store, e); !errors.Is(err, safetensors.ErrTensorNotFound) {
		t.Fatalf("got %v, want ErrTensorNotFound", err)
	}
}

// A failed emit must not leave a temp file or the destination behind.
func TestWriteOutputCleanup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.bin")
	wantErr := errors.New("boom")
	err := writeOutput(path, quietLogger(), func(io.Writer) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped emit error", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("destination exists after failure: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind: %v", err)
	}

	// Success path renames into place.
	if err := writeOutput(path, quietLogger(), func(w io.Writer) error {
		_, err := w.Write([]byte("ok"))
		return err
	}); err != nil {
		t.Fatalf("writeOutput: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "ok" {
		t.Fatalf("destination content: %q, %v", data, err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file left behind after success: %v", err)
	}
}

// Replacing an existing destination succeeds but is logged at warn level.
func TestWriteOutputOverwriteWarns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed destination: %v", err)
	}

	var buf bytes.Buffer
	log := logger.Text(&buf, slog.LevelWarn)
	if err := writeOutput(path, log, func(w io.Writer) error {
		_, err := w.Write([]byte("new"))
		return err
	}); err != nil {
		t.Fatalf("writeOutput: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "new" {
		t.Fatalf("destination content: %q, %v", data, err)
	}
	if !strings.Contains(buf.String(), "overwriting existing output") {
		t.Fatalf("missing overwrite warning, log: %q", buf.String())
	}

	// A fresh destination must not warn.
	buf.Reset()
	fresh := filepath.Join(t.TempDir(), "fresh.bin")
	if err := writeOutput(fresh, log, func(w io.Writer) error {
		_, err := w.Write([]byte("new"))
		return err
	}); err != nil {
		t.Fatalf("writeOutput: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output for fresh destination: %q", buf.String())
	}
}
