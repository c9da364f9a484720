// Package convert drives a full checkpoint conversion: open the safetensors
// shards, resolve the model variant, walk the layout table in order, quantize
// each tensor and feed the container writer. Output lands in a temp file that
// is renamed into place only when the whole run succeeds.
package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/samcharles93/qpack/internal/layout"
	"github.com/samcharles93/qpack/internal/logger"
	"github.com/samcharles93/qpack/internal/qwenasr"
	"github.com/samcharles93/qpack/internal/safetensors"
	"github.com/samcharles93/qpack/pkg/gguf"
	"github.com/samcharles93/qpack/pkg/qmodel"
	"github.com/samcharles93/qpack/pkg/quant"
)

// Options configures one conversion run.
type Options struct {
	ModelDir   string
	OutputPath string
	Logger     logger.Logger
}

func (o *Options) log() logger.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.Default()
}

// GGUF converts a checkpoint directory into a tagged GGUF container.
// The variant comes from config.json.
func GGUF(opts Options) error {
	log := opts.log().With("format", "gguf")

	store, err := safetensors.OpenDir(opts.ModelDir)
	if err != nil {
		return err
	}
	cfg, err := qwenasr.LoadConfig(opts.ModelDir)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.ModelDir, err)
	}
	variant, err := cfg.Variant()
	if err != nil {
		return err
	}
	log.Info("converting",
		"model_dir", opts.ModelDir,
		"variant", variant,
		"enc_d_model", cfg.EncDModel,
		"enc_layers", cfg.EncLayers,
		"dec_hidden", cfg.DecHidden,
		"dec_layers", cfg.DecLayers)

	table := layout.GGUFTable(cfg)
	return writeOutput(opts.OutputPath, log, func(out io.Writer) error {
		return writeGGUF(out, store, cfg, table, log)
	})
}

// QModel converts a checkpoint directory into a flat .qmodel container.
// The variant is detected from the tensor inventory alone, so the checkpoint
// does not need a config.json.
func QModel(opts Options) error {
	log := opts.log().With("format", "qmodel")

	store, err := safetensors.OpenDir(opts.ModelDir)
	if err != nil {
		return err
	}
	variant := qwenasr.DetectVariant(store.Has)
	cfg, err := qwenasr.ConfigForVariant(variant)
	if err != nil {
		return err
	}
	log.Info("converting",
		"model_dir", opts.ModelDir,
		"variant", variant,
		"enc_d_model", cfg.EncDModel,
		"enc_layers", cfg.EncLayers,
		"dec_hidden", cfg.DecHidden,
		"dec_layers", cfg.DecLayers)

	table := layout.QModelTable(cfg)
	return writeOutput(opts.OutputPath, log, func(out io.Writer) error {
		return writeQModel(out, store, headerFromConfig(cfg), table, log)
	})
}

func writeGGUF(out io.Writer, store *safetensors.Store, cfg qwenasr.Config, table []layout.Entry, log logger.Logger) error {
	w := gguf.NewWriter()
	addMetadata(w, cfg)

	for i, e := range table {
		data, err := encodeEntry(store, e)
		if err != nil {
			return err
		}
		typ, err := tensorType(e.Kind)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if err := w.AddTensor(e.Name, []uint64{uint64(e.Elems)}, typ, data); err != nil {
			return err
		}
		progress(log, i, len(table), e)
	}

	n, err := w.WriteTo(out)
	if err != nil {
		return err
	}
	log.Info("container written", "tensors", len(table), "bytes", n)
	return nil
}

func writeQModel(out io.Writer, store *safetensors.Store, hdr qmodel.Header, table []layout.Entry, log logger.Logger) error {
	w, err := qmodel.NewWriter(out, hdr)
	if err != nil {
		return err
	}
	for i, e := range table {
		data, err := encodeEntry(store, e)
		if err != nil {
			return err
		}
		if err := w.WriteTensor(e.Name, data, e.ByteSize()); err != nil {
			return err
		}
		progress(log, i, len(table), e)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Info("container written", "tensors", len(table), "bytes", w.Size())
	return nil
}

// encodeEntry loads an entry's source tensor(s) and produces the encoded
// payload for its storage kind.
func encodeEntry(store *safetensors.Store, e layout.Entry) ([]byte, error) {
	if e.Kind == layout.KindBF16 {
		raw, err := store.GetRawBF16(e.Src[0])
		if err != nil {
			return nil, err
		}
		if len(raw) != e.Elems*2 {
			return nil, fmt.Errorf("tensor %s: %d source elements, want %d", e.Name, len(raw)/2, e.Elems)
		}
		return raw, nil
	}

	x, err := sourceF32(store, e)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch e.Kind {
	case layout.KindF32:
		data = make([]byte, 4*len(x))
		for i, v := range x {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
	case layout.KindF16:
		data = make([]byte, 2*len(x))
		for i, v := range x {
			binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
		}
	case layout.KindQ8:
		data, err = quant.QuantizeQ8_0(x)
	case layout.KindQ8F32:
		data, err = quant.QuantizeQ8_0F32(x)
	case layout.KindQ4K:
		data, err = quant.QuantizeQ4K(x)
	default:
		return nil, fmt.Errorf("tensor %s: unhandled storage kind %s", e.Name, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", e.Name, err)
	}
	return data, nil
}

func sourceF32(store *safetensors.Store, e layout.Entry) ([]float32, error) {
	if e.Fused() {
		gate, err := store.GetF32(e.Src[0])
		if err != nil {
			return nil, err
		}
		up, err := store.GetF32(e.Src[1])
		if err != nil {
			return nil, err
		}
		fused, err := layout.InterleaveRows(gate, up, e.Rows, e.Cols)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		return fused, nil
	}
	x, err := store.GetF32(e.Src[0])
	if err != nil {
		return nil, err
	}
	if len(x) != e.Elems {
		return nil, fmt.Errorf("tensor %s: %d source elements, want %d", e.Name, len(x), e.Elems)
	}
	return x, nil
}

func tensorType(k layout.Kind) (gguf.TensorType, error) {
	switch k {
	case layout.KindF32:
		return gguf.TypeF32, nil
	case layout.KindF16:
		return gguf.TypeF16, nil
	case layout.KindQ8:
		return gguf.TypeQ8_0, nil
	case layout.KindQ4K:
		return gguf.TypeQ4_K, nil
	}
	return 0, fmt.Errorf("storage kind %s has no tagged-container type", k)
}

func addMetadata(w *gguf.Writer, cfg qwenasr.Config) {
	w.AddString("general.architecture", "qwen_asr")
	w.AddUint32("qwen_asr.enc_d_model", uint32(cfg.EncDModel))
	w.AddUint32("qwen_asr.enc_layers", uint32(cfg.EncLayers))
	w.AddUint32("qwen_asr.enc_heads", uint32(cfg.EncHeads))
	w.AddUint32("qwen_asr.enc_head_dim", uint32(cfg.EncHeadDim))
	w.AddUint32("qwen_asr.enc_ffn_dim", uint32(cfg.EncFFNDim))
	w.AddUint32("qwen_asr.enc_output_dim", uint32(cfg.EncOutputDim))
	w.AddUint32("qwen_asr.dec_hidden", uint32(cfg.DecHidden))
	w.AddUint32("qwen_asr.dec_layers", uint32(cfg.DecLayers))
	w.AddUint32("qwen_asr.dec_heads", uint32(cfg.DecHeads))
	w.AddUint32("qwen_asr.dec_kv_heads", uint32(cfg.DecKVHeads))
	w.AddUint32("qwen_asr.dec_head_dim", uint32(cfg.DecHeadDim))
	w.AddUint32("qwen_asr.dec_intermediate", uint32(cfg.DecIntermediate))
	w.AddUint32("qwen_asr.vocab_size", uint32(cfg.VocabSize))
}

func headerFromConfig(cfg qwenasr.Config) qmodel.Header {
	return qmodel.Header{
		EncDModel:       uint32(cfg.EncDModel),
		EncLayers:       uint32(cfg.EncLayers),
		EncHeads:        uint32(cfg.EncHeads),
		EncHeadDim:      uint32(cfg.EncHeadDim),
		EncFFNDim:       uint32(cfg.EncFFNDim),
		EncOutputDim:    uint32(cfg.EncOutputDim),
		DecHidden:       uint32(cfg.DecHidden),
		DecLayers:       uint32(cfg.DecLayers),
		DecHeads:        uint32(cfg.DecHeads),
		DecKVHeads:      uint32(cfg.DecKVHeads),
		DecHeadDim:      uint32(cfg.DecHeadDim),
		DecIntermediate: uint32(cfg.DecIntermediate),
		VocabSize:       uint32(cfg.VocabSize),
	}
}

func progress(log logger.Logger, i, total int, e layout.Entry) {
	log.Debug("tensor encoded", "name", e.Name, "kind", e.Kind.String(), "bytes", e.ByteSize())
	if (i+1)%100 == 0 || i+1 == total {
		log.Info("progress", "tensors", i+1, "total", total)
	}
}

// writeOutput emits through a temp file and renames on success, so a failed
// run never leaves a partial container at the destination path.
func writeOutput(path string, log logger.Logger, emit func(io.Writer) error) error {
	if _, err := os.Stat(path); err == nil {
		log.Warn("overwriting existing output", "path", path)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := emit(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	log.Info("output written", "path", path)
	return nil
}
