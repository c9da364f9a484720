package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// The decoders mirror the consuming engine's reconstruction. The converter
// itself never decodes; these exist for round-trip verification.

// DequantizeQ8_0 decodes fp16-scale Q8_0 blocks back to float32.
func DequantizeQ8_0(data []byte, n int) ([]float32, error) {
	if n%QK8_0 != 0 {
		return nil, blockAlignError("q8_0", n, QK8_0)
	}
	blocks := n / QK8_0
	if len(data) != blocks*BlockQ8_0Size {
		return nil, fmt.Errorf("%w: q8_0 got %d bytes for %d elements", ErrDataSize, len(data), n)
	}
	out := make([]float32, n)
	for b := range blocks {
		off := b * BlockQ8_0Size
		d := float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
		qs := data[off+2 : off+2+QK8_0]
		for i := range QK8_0 {
			out[b*QK8_0+i] = d * float32(int8(qs[i]))
		}
	}
	return out, nil
}

// DequantizeQ8_0F32 decodes f32-scale Q8_0 blocks back to float32.
func DequantizeQ8_0F32(data []byte, n int) ([]float32, error) {
	if n%QK8_0 != 0 {
		return nil, blockAlignError("q8_0", n, QK8_0)
	}
	blocks := n / QK8_0
	if len(data) != blocks*BlockQ8_0F32Size {
		return nil, fmt.Errorf("%w: q8_0 got %d bytes for %d elements", ErrDataSize, len(data), n)
	}
	out := make([]float32, n)
	for b := range blocks {
		off := b * BlockQ8_0F32Size
		scale := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		qs := data[off+4 : off+4+QK8_0]
		for i := range QK8_0 {
			out[b*QK8_0+i] = scale * float32(int8(qs[i]))
		}
	}
	return out, nil
}

// DequantizeQ4K decodes Q4_K super-blocks back to float32.
func DequantizeQ4K(data []byte, n int) ([]float32, error) {
	if n%QKK != 0 {
		return nil, blockAlignError("q4_k", n, QKK)
	}
	blocks := n / QKK
	if len(data) != blocks*BlockQ4KSize {
		return nil, fmt.Errorf("%w: q4_k got %d bytes for %d elements", ErrDataSize, len(data), n)
	}
	out := make([]float32, n)
	for b := range blocks {
		off := b * BlockQ4KSize
		d := float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
		dmin := float16.Frombits(binary.LittleEndian.Uint16(data[off+2:])).Float32()
		packed := data[off+4 : off+16]
		qs := data[off+16 : off+16+QKK/2]

		for j := range 8 {
			sc, mn := unpackScaleMin(j, packed)
			scale := d * float32(sc)
			minV := dmin * float32(mn)
			for l := range 32 {
				idx := j*32 + l
				code := qs[idx/2]
				if idx%2 == 0 {
					code &= 0x0F
				} else {
					code >>= 4
				}
				out[b*QKK+idx] = scale*float32(code) - minV
			}
		}
	}
	return out, nil
}
