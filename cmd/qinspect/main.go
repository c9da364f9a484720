// qinspect prints the header, metadata and tensor layout of a converted
// container, either format. The format is sniffed from the file magic.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/samcharles93/qpack/internal/layout"
	"github.com/samcharles93/qpack/internal/qwenasr"
	"github.com/samcharles93/qpack/pkg/gguf"
	"github.com/samcharles93/qpack/pkg/qmodel"
)

func main() {
	showTensors := flag.Int("tensors", 20, "number of tensors to list (0 to skip, -1 for all)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: qinspect [--tensors N] <path.gguf|path.qmodel>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	magic, err := readMagic(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	switch magic {
	case gguf.Magic:
		err = inspectGGUF(path, *showTensors)
	case qmodel.Magic:
		err = inspectQModel(path, *showTensors)
	default:
		err = fmt.Errorf("%s: unknown magic %#08x", path, magic)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func readMagic(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("%s: read magic: %w", path, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func inspectGGUF(path string, showTensors int) error {
	f, err := gguf.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fmt.Printf("File: %s\n", path)
	fmt.Printf("GGUF v%d | tensors=%d | kv=%d | data_offset=%d\n",
		gguf.Version, len(f.Tensors), len(f.KV), f.DataOffset)

	fmt.Println()
	fmt.Println("Metadata:")
	for _, kv := range f.KV {
		fmt.Printf("  %-28s = %v\n", kv.Key, kv.Value)
	}

	printTensorList(showTensors, len(f.Tensors), func(i int) {
		t := f.Tensors[i]
		fmt.Printf("  %-40s %-5s dims=%s off=%d\n",
			t.Name, t.Type, formatDims(t.Dims), t.Offset)
	})
	return nil
}

func inspectQModel(path string, showTensors int) error {
	f, err := qmodel.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	h := f.Header
	fmt.Printf("File: %s\n", path)
	fmt.Printf("qmodel v%d | %d bytes\n", qmodel.Version, f.Size)
	fmt.Println()
	fmt.Println("Header:")
	fmt.Printf("  encoder: d_model=%d layers=%d heads=%d head_dim=%d ffn=%d output_dim=%d\n",
		h.EncDModel, h.EncLayers, h.EncHeads, h.EncHeadDim, h.EncFFNDim, h.EncOutputDim)
	fmt.Printf("  decoder: hidden=%d layers=%d heads=%d kv_heads=%d head_dim=%d intermediate=%d\n",
		h.DecHidden, h.DecLayers, h.DecHeads, h.DecKVHeads, h.DecHeadDim, h.DecIntermediate)
	fmt.Printf("  vocab:   %d\n", h.VocabSize)

	// The flat container has no directory; rebuild the emission order from
	// the header hyperparameters.
	cfg := qwenasr.Config{
		EncDModel:       int(h.EncDModel),
		EncLayers:       int(h.EncLayers),
		EncHeads:        int(h.EncHeads),
		EncHeadDim:      int(h.EncHeadDim),
		EncFFNDim:       int(h.EncFFNDim),
		EncOutputDim:    int(h.EncOutputDim),
		DecHidden:       int(h.DecHidden),
		DecLayers:       int(h.DecLayers),
		DecHeads:        int(h.DecHeads),
		DecKVHeads:      int(h.DecKVHeads),
		DecHeadDim:      int(h.DecHeadDim),
		DecIntermediate: int(h.DecIntermediate),
		VocabSize:       int(h.VocabSize),
	}
	if variant, err := cfg.Variant(); err == nil {
		fmt.Printf("  variant: %s\n", variant)
	}

	table := layout.QModelTable(cfg)
	want := int64(qmodel.HeaderSize) + layout.TotalSize(table)
	if want != f.Size {
		fmt.Printf("\nWARNING: expected %d bytes for this header, file has %d\n", want, f.Size)
	}

	offsets := make([]int64, len(table))
	var off int64
	for i, e := range table {
		offsets[i] = off
		off += e.ByteSize()
	}
	printTensorList(showTensors, len(table), func(i int) {
		e := table[i]
		fmt.Printf("  %-40s %-7s elems=%d off=%d len=%d\n",
			e.Name, e.Kind, e.Elems, offsets[i], e.ByteSize())
	})
	return nil
}

func printTensorList(n, count int, printRow func(int)) {
	if n == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Tensors:")
	if n < 0 || n > count {
		n = count
	}
	for i := range n {
		printRow(i)
	}
	if n < count {
		fmt.Printf("  ... (%d more)\n", count-n)
	}
}

func formatDims(dims []uint64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}
