// Package quant implements the block quantization encodings consumed by the
// qwen-asr inference engine: Q8_0 with an fp16 scale (GGUF), Q8_0 with an f32
// scale (.qmodel) and Q4_K super-blocks (GGUF).
//
// All encoders are pure and order-preserving: input block i maps to output
// block i, so per-tensor offsets are predictable and outputs can be byte-diffed
// against reference files. Rounding is round-half-to-even throughout, matching
// the reference converter.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

const (
	// QK8_0 is the Q8_0 block size in elements.
	QK8_0 = 32
	// QKK is the Q4_K super-block size in elements.
	QKK = 256

	// BlockQ8_0Size is the encoded size of one Q8_0 block with an fp16 scale.
	BlockQ8_0Size = 2 + QK8_0 // 34
	// BlockQ8_0F32Size is the encoded size of one Q8_0 block with an f32 scale.
	BlockQ8_0F32Size = 4 + QK8_0 // 36
	// BlockQ4KSize is the encoded size of one Q4_K super-block:
	// fp16 d + fp16 dmin + 12 packed scale/min bytes + 128 code bytes.
	BlockQ4KSize = 2 + 2 + 12 + QKK/2 // 144
)

// QuantizeQ8_0 encodes x into Q8_0 blocks with an fp16 scale.
//
// Per block: d = max(|x|)/127 (0 for an all-zero block), stored as fp16.
// Codes are computed against the reciprocal of the fp16-reduced scale, not the
// original f32 scale; the double rounding is required to match the downstream
// decoder bit for bit.
func QuantizeQ8_0(x []float32) ([]byte, error) {
	if len(x)%QK8_0 != 0 {
		return nil, blockAlignError("q8_0", len(x), QK8_0)
	}
	out := make([]byte, len(x)/QK8_0*BlockQ8_0Size)
	off := 0
	for b := 0; b < len(x); b += QK8_0 {
		blk := x[b : b+QK8_0]
		amax := absMax(blk)
		var d float32
		if amax > 0 {
			d = amax / 127
		}
		h := float16.Fromfloat32(d)
		var id float32
		if dh := h.Float32(); dh != 0 {
			id = float32(1.0 / float64(dh))
		}
		binary.LittleEndian.PutUint16(out[off:], h.Bits())
		qs := out[off+2 : off+2+QK8_0]
		for i, v := range blk {
			qs[i] = byte(int8(clampInt(roundEven(v*id), -128, 127)))
		}
		off += BlockQ8_0Size
	}
	return out, nil
}

// QuantizeQ8_0F32 encodes x into Q8_0 blocks with a full-precision f32 scale,
// the layout the flat .qmodel reader expects. An all-zero block encodes to
// scale 0 with all-zero codes.
func QuantizeQ8_0F32(x []float32) ([]byte, error) {
	if len(x)%QK8_0 != 0 {
		return nil, blockAlignError("q8_0", len(x), QK8_0)
	}
	out := make([]byte, len(x)/QK8_0*BlockQ8_0F32Size)
	off := 0
	for b := 0; b < len(x); b += QK8_0 {
		blk := x[b : b+QK8_0]
		amax := absMax(blk)
		var scale float32
		if amax != 0 {
			scale = amax / 127
		}
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(scale))
		qs := out[off+4 : off+4+QK8_0]
		if scale != 0 {
			for i, v := range blk {
				qs[i] = byte(int8(clampInt(roundEven(v/scale), -128, 127)))
			}
		}
		off += BlockQ8_0F32Size
	}
	return out, nil
}

// QuantizeQ4K encodes x into Q4_K super-blocks of 256 elements
// (8 sub-blocks of 32), using asymmetric min/max quantization.
//
// Reconstruction is d*scale_j*code - dmin*min_j per sub-block j. The eight
// 6-bit sub-scales and 6-bit sub-mins are packed into 12 bytes as a sequential
// little-endian bitstream (scale0, min0, scale1, min1, ...); the layout is an
// external contract of the consuming engine.
func QuantizeQ4K(x []float32) ([]byte, error) {
	if len(x)%QKK != 0 {
		return nil, blockAlignError("q4_k", len(x), QKK)
	}
	out := make([]byte, len(x)/QKK*BlockQ4KSize)
	off := 0
	for b := 0; b < len(x); b += QKK {
		blk := x[b : b+QKK]

		var scales, mins [8]float32
		for j := range 8 {
			sub := blk[j*32 : (j+1)*32]
			lo, hi := minMax(sub)
			if hi != lo {
				scales[j] = (hi - lo) / 15
			}
			mins[j] = -lo
		}

		maxScale := max8(scales)
		maxMin := max8(mins)

		var invScale, invMin float32
		if maxScale > 0 {
			invScale = 63 / maxScale
		}
		if maxMin > 0 {
			invMin = 63 / maxMin
		}
		d := float16.Fromfloat32(maxScale / 63)
		dmin := float16.Fromfloat32(maxMin / 63)

		var qScales, qMins [8]uint8
		for j := range 8 {
			qScales[j] = uint8(clampInt(roundEven(scales[j]*invScale), 0, 63))
			qMins[j] = uint8(clampInt(roundEven(mins[j]*invMin), 0, 63))
		}

		binary.LittleEndian.PutUint16(out[off:], d.Bits())
		binary.LittleEndian.PutUint16(out[off+2:], dmin.Bits())
		packScaleMin(out[off+4:off+16], qScales, qMins)

		// The element codes use the fp16-reduced d/dmin, in float64, matching
		// the reference converter exactly.
		dVal := float64(d.Float32())
		dminVal := float64(dmin.Float32())
		qs := out[off+16 : off+16+QKK/2]
		for j := range 8 {
			sc := dVal * float64(qScales[j])
			mn := dminVal * float64(qMins[j])
			for l := range 32 {
				idx := j*32 + l
				var q int
				if sc > 0 {
					q = clampInt(roundEven64((float64(blk[idx])+mn)/sc), 0, 15)
				}
				if idx%2 == 0 {
					qs[idx/2] = uint8(q)
				} else {
					qs[idx/2] |= uint8(q) << 4
				}
			}
		}
		off += BlockQ4KSize
	}
	return out, nil
}

// packScaleMin packs eight 6-bit scales and eight 6-bit mins into 12 bytes.
// Each 3-byte group carries two (scale, min) pairs as consecutive 6-bit fields.
func packScaleMin(dst []byte, s, m [8]uint8) {
	for g := range 4 {
		j := 2 * g
		s0, m0 := uint32(s[j]), uint32(m[j])
		s1, m1 := uint32(s[j+1]), uint32(m[j+1])
		dst[3*g+0] = byte((s0 & 0x3F) | (m0 << 6))
		dst[3*g+1] = byte(((m0 >> 2) & 0x0F) | (s1 << 4))
		dst[3*g+2] = byte(((s1 >> 4) & 0x03) | (m1 << 2))
	}
}

// unpackScaleMin returns the 6-bit scale and min for sub-block j.
func unpackScaleMin(j int, p []byte) (uint8, uint8) {
	g := j / 2
	b0, b1, b2 := p[3*g], p[3*g+1], p[3*g+2]
	if j%2 == 0 {
		return b0 & 0x3F, (b0 >> 6) | (b1&0x0F)<<2
	}
	return (b1 >> 4) | (b2&0x03)<<4, b2 >> 2
}

func blockAlignError(codec string, n, block int) error {
	return fmt.Errorf("%w: %s needs a multiple of %d elements, got %d", ErrBlockAlign, codec, block, n)
}

func absMax(x []float32) float32 {
	var amax float32
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > amax {
			amax = v
		}
	}
	return amax
}

func minMax(x []float32) (float32, float32) {
	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func max8(x [8]float32) float32 {
	m := x[0]
	for _, v := range x[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func roundEven(v float32) int {
	return int(math.RoundToEven(float64(v)))
}

func roundEven64(v float64) int {
	return int(math.RoundToEven(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
