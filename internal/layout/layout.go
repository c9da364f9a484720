// Package layout holds the ordered mapping from source checkpoint tensors to
// container entries. Both converters, the flat reader and the tests walk the
// same tables; for the flat container the table order is the only contract.
package layout

import (
	"fmt"

	"github.com/samcharles93/qpack/internal/qwenasr"
)

// Source name prefixes within the checkpoint.
const (
	EncPrefix = "thinker.audio_tower."
	DecPrefix = "thinker.model."
)

// Conv stem geometry fixed across variants: three 3x3 conv layers with 480
// channels, flattened to a [d_model, 480*16] output projection.
const (
	ConvHidden  = 480
	ConvProjDim = ConvHidden * 16
)

// Kind selects the storage encoding of a container entry.
type Kind int

const (
	KindF32 Kind = iota
	KindF16
	KindBF16 // raw bf16 bits, no conversion
	KindQ8   // q8_0 with fp16 scale, 34 bytes per 32 elements
	KindQ8F32
	KindQ4K
)

func (k Kind) String() string {
	switch k {
	case KindF32:
		return "f32"
	case KindF16:
		return "f16"
	case KindBF16:
		return "bf16"
	case KindQ8:
		return "q8_0"
	case KindQ8F32:
		return "q8_0f32"
	case KindQ4K:
		return "q4_k"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Entry maps one or two source tensors to a container entry. Two sources mean
// the gate/up row interleave; Rows and Cols then give the shape of each source
// half. Elems is the destination element count, fixed by the configuration.
type Entry struct {
	Name  string
	Src   []string
	Kind  Kind
	Rows  int
	Cols  int
	Elems int
}

// Fused reports whether the entry interleaves two sources.
func (e Entry) Fused() bool { return len(e.Src) == 2 }

// ByteSize returns the encoded payload length of the entry.
func (e Entry) ByteSize() int64 {
	n := int64(e.Elems)
	switch e.Kind {
	case KindF32:
		return n * 4
	case KindF16, KindBF16:
		return n * 2
	case KindQ8:
		return n / 32 * 34
	case KindQ8F32:
		return n / 32 * 36
	case KindQ4K:
		return n / 256 * 144
	}
	return 0
}

// TotalSize sums the encoded payload lengths of a table.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.ByteSize()
	}
	return total
}

// InterleaveRows fuses the gate and up projections row by row:
// fused[2r] = gate[r], fused[2r+1] = up[r]. The engine runs the two matmuls as
// one and expects this ordering.
func InterleaveRows(gate, up []float32, rows, cols int) ([]float32, error) {
	if len(gate) != rows*cols || len(up) != rows*cols {
		return nil, fmt.Errorf("layout: interleave shape mismatch: gate %d, up %d, want %d", len(gate), len(up), rows*cols)
	}
	fused := make([]float32, 2*rows*cols)
	for r := range rows {
		copy(fused[(2*r)*cols:], gate[r*cols:(r+1)*cols])
		copy(fused[(2*r+1)*cols:], up[r*cols:(r+1)*cols])
	}
	return fused, nil
}

func one(name, src string, kind Kind, elems int) Entry {
	return Entry{Name: name, Src: []string{src}, Kind: kind, Elems: elems}
}

// GGUFTable returns the tagged-container entries in emission order: conv stem
// and norms f32, encoder linears q8_0, decoder linears q4_k, the token
// embedding stored twice (f16 for lookup, q4_k for the output argmax).
func GGUFTable(cfg qwenasr.Config) []Entry {
	d := cfg.EncDModel
	convW := ConvHidden * ConvHidden * 3 * 3
	embed := cfg.VocabSize * cfg.DecHidden
	qDim := cfg.DecHeads * cfg.DecHeadDim
	kvDim := cfg.DecKVHeads * cfg.DecHeadDim

	var t []Entry
	t = append(t,
		one("enc.conv1.weight", EncPrefix+"conv2d1.weight", KindF32, ConvHidden*1*3*3),
		one("enc.conv1.bias", EncPrefix+"conv2d1.bias", KindF32, ConvHidden),
		one("enc.conv2.weight", EncPrefix+"conv2d2.weight", KindF32, convW),
		one("enc.conv2.bias", EncPrefix+"conv2d2.bias", KindF32, ConvHidden),
		one("enc.conv3.weight", EncPrefix+"conv2d3.weight", KindF32, convW),
		one("enc.conv3.bias", EncPrefix+"conv2d3.bias", KindF32, ConvHidden),
		one("enc.conv_out.weight", EncPrefix+"conv_out.weight", KindQ8, d*ConvProjDim),
	)

	for i := range cfg.EncLayers {
		lp := fmt.Sprintf("%slayers.%d.", EncPrefix, i)
		dst := fmt.Sprintf("enc.layers.%d.", i)
		for _, p := range []struct{ src, dst string }{
			{"self_attn.q_proj", "attn.q"},
			{"self_attn.k_proj", "attn.k"},
			{"self_attn.v_proj", "attn.v"},
			{"self_attn.out_proj", "attn.o"},
		} {
			t = append(t,
				one(dst+p.dst+".weight", lp+p.src+".weight", KindQ8, d*d),
				one(dst+p.dst+".bias", lp+p.src+".bias", KindF32, d),
			)
		}
		t = append(t,
			one(dst+"attn_norm.weight", lp+"self_attn_layer_norm.weight", KindF32, d),
			one(dst+"attn_norm.bias", lp+"self_attn_layer_norm.bias", KindF32, d),
			one(dst+"ffn.fc1.weight", lp+"fc1.weight", KindQ8, cfg.EncFFNDim*d),
			one(dst+"ffn.fc1.bias", lp+"fc1.bias", KindF32, cfg.EncFFNDim),
			one(dst+"ffn.fc2.weight", lp+"fc2.weight", KindQ8, d*cfg.EncFFNDim),
			one(dst+"ffn.fc2.bias", lp+"fc2.bias", KindF32, d),
			one(dst+"ffn_norm.weight", lp+"final_layer_norm.weight", KindF32, d),
			one(dst+"ffn_norm.bias", lp+"final_layer_norm.bias", KindF32, d),
		)
	}

	t = append(t,
		one("enc.ln_post.weight", EncPrefix+"ln_post.weight", KindF32, d),
		one("enc.ln_post.bias", EncPrefix+"ln_post.bias", KindF32, d),
		one("enc.proj1.weight", EncPrefix+"proj1.weight", KindQ8, d*d),
		one("enc.proj1.bias", EncPrefix+"proj1.bias", KindF32, d),
		one("enc.proj2.weight", EncPrefix+"proj2.weight", KindQ8, cfg.EncOutputDim*d),
		one("enc.proj2.bias", EncPrefix+"proj2.bias", KindF32, cfg.EncOutputDim),
		one("dec.tok_emb.f16", DecPrefix+"embed_tokens.weight", KindF16, embed),
		one("dec.tok_emb.q4k", DecPrefix+"embed_tokens.weight", KindQ4K, embed),
	)

	for i := range cfg.DecLayers {
		lp := fmt.Sprintf("%slayers.%d.", DecPrefix, i)
		dst := fmt.Sprintf("dec.layers.%d.", i)
		t = append(t,
			one(dst+"attn.q.weight", lp+"self_attn.q_proj.weight", KindQ4K, qDim*cfg.DecHidden),
			one(dst+"attn.k.weight", lp+"self_attn.k_proj.weight", KindQ4K, kvDim*cfg.DecHidden),
			one(dst+"attn.v.weight", lp+"self_attn.v_proj.weight", KindQ4K, kvDim*cfg.DecHidden),
			one(dst+"attn.o.weight", lp+"self_attn.o_proj.weight", KindQ4K, cfg.DecHidden*qDim),
			one(dst+"attn.q_norm.weight", lp+"self_attn.q_norm.weight", KindF32, cfg.DecHeadDim),
			one(dst+"attn.k_norm.weight", lp+"self_attn.k_norm.weight", KindF32, cfg.DecHeadDim),
			one(dst+"input_norm.weight", lp+"input_layernorm.weight", KindF32, cfg.DecHidden),
			one(dst+"post_attn_norm.weight", lp+"post_attention_layernorm.weight", KindF32, cfg.DecHidden),
			Entry{
				Name:  dst + "mlp.gate_up.weight",
				Src:   []string{lp + "mlp.gate_proj.weight", lp + "mlp.up_proj.weight"},
				Kind:  KindQ4K,
				Rows:  cfg.DecIntermediate,
				Cols:  cfg.DecHidden,
				Elems: 2 * cfg.DecIntermediate * cfg.DecHidden,
			},
			one(dst+"mlp.down.weight", lp+"mlp.down_proj.weight", KindQ4K, cfg.DecHidden*cfg.DecIntermediate),
		)
	}

	t = append(t, one("dec.norm.weight", DecPrefix+"norm.weight", KindF32, cfg.DecHidden))
	return t
}

// QModelTable returns the flat-container entries in emission order. Everything
// quantized uses q8_0 with an f32 scale; conv1 and all norms and biases stay
// f32; the token embedding is stored twice, raw bf16 bits then q8_0.
func QModelTable(cfg qwenasr.Config) []Entry {
	d := cfg.EncDModel
	convW := ConvHidden * ConvHidden * 3 * 3
	embed := cfg.VocabSize * cfg.DecHidden
	qDim := cfg.DecHeads * cfg.DecHeadDim
	kvDim := cfg.DecKVHeads * cfg.DecHeadDim

	var t []Entry
	t = append(t,
		one("conv1.weight", EncPrefix+"conv2d1.weight", KindF32, ConvHidden*1*3*3),
		one("conv1.bias", EncPrefix+"conv2d1.bias", KindF32, ConvHidden),
		one("conv2.weight", EncPrefix+"conv2d2.weight", KindQ8F32, convW),
		one("conv2.bias", EncPrefix+"conv2d2.bias", KindF32, ConvHidden),
		one("conv3.weight", EncPrefix+"conv2d3.weight", KindQ8F32, convW),
		one("conv3.bias", EncPrefix+"conv2d3.bias", KindF32, ConvHidden),
		one("conv_out.weight", EncPrefix+"conv_out.weight", KindQ8F32, d*ConvProjDim),
	)

	for i := range cfg.EncLayers {
		lp := fmt.Sprintf("%slayers.%d.", EncPrefix, i)
		dst := fmt.Sprintf("enc.%d.", i)
		for _, p := range []struct{ src, dst string }{
			{"self_attn.q_proj", "q"},
			{"self_attn.k_proj", "k"},
			{"self_attn.v_proj", "v"},
			{"self_attn.out_proj", "o"},
		} {
			t = append(t,
				one(dst+p.dst+".weight", lp+p.src+".weight", KindQ8F32, d*d),
				one(dst+p.dst+".bias", lp+p.src+".bias", KindF32, d),
			)
		}
		t = append(t,
			one(dst+"attn_norm.weight", lp+"self_attn_layer_norm.weight", KindF32, d),
			one(dst+"attn_norm.bias", lp+"self_attn_layer_norm.bias", KindF32, d),
			one(dst+"fc1.weight", lp+"fc1.weight", KindQ8F32, cfg.EncFFNDim*d),
			one(dst+"fc1.bias", lp+"fc1.bias", KindF32, cfg.EncFFNDim),
			one(dst+"fc2.weight", lp+"fc2.weight", KindQ8F32, d*cfg.EncFFNDim),
			one(dst+"fc2.bias", lp+"fc2.bias", KindF32, d),
			one(dst+"ffn_norm.weight", lp+"final_layer_norm.weight", KindF32, d),
			one(dst+"ffn_norm.bias", lp+"final_layer_norm.bias", KindF32, d),
		)
	}

	t = append(t,
		one("ln_post.weight", EncPrefix+"ln_post.weight", KindF32, d),
		one("ln_post.bias", EncPrefix+"ln_post.bias", KindF32, d),
		one("proj1.weight", EncPrefix+"proj1.weight", KindQ8F32, d*d),
		one("proj1.bias", EncPrefix+"proj1.bias", KindF32, d),
		one("proj2.weight", EncPrefix+"proj2.weight", KindQ8F32, cfg.EncOutputDim*d),
		one("proj2.bias", EncPrefix+"proj2.bias", KindF32, cfg.EncOutputDim),
		one("tok_emb.bf16", DecPrefix+"embed_tokens.weight", KindBF16, embed),
		one("tok_emb.q8", DecPrefix+"embed_tokens.weight", KindQ8F32, embed),
	)

	for i := range cfg.DecLayers {
		lp := fmt.Sprintf("%slayers.%d.", DecPrefix, i)
		dst := fmt.Sprintf("dec.%d.", i)
		t = append(t,
			one(dst+"q.weight", lp+"self_attn.q_proj.weight", KindQ8F32, qDim*cfg.DecHidden),
			one(dst+"k.weight", lp+"self_attn.k_proj.weight", KindQ8F32, kvDim*cfg.DecHidden),
			one(dst+"v.weight", lp+"self_attn.v_proj.weight", KindQ8F32, kvDim*cfg.DecHidden),
			one(dst+"o.weight", lp+"self_attn.o_proj.weight", KindQ8F32, cfg.DecHidden*qDim),
			one(dst+"q_norm.weight", lp+"self_attn.q_norm.weight", KindF32, cfg.DecHeadDim),
			one(dst+"k_norm.weight", lp+"self_attn.k_norm.weight", KindF32, cfg.DecHeadDim),
			one(dst+"input_norm.weight", lp+"input_layernorm.weight", KindF32, cfg.DecHidden),
			one(dst+"post_attn_norm.weight", lp+"post_attention_layernorm.weight", KindF32, cfg.DecHidden),
			Entry{
				Name:  dst + "gate_up.weight",
				Src:   []string{lp + "mlp.gate_proj.weight", lp + "mlp.up_proj.weight"},
				Kind:  KindQ8F32,
				Rows:  cfg.DecIntermediate,
				Cols:  cfg.DecHidden,
				Elems: 2 * cfg.DecIntermediate * cfg.DecHidden,
			},
			one(dst+"down.weight", lp+"mlp.down_proj.weight", KindQ8F32, cfg.DecHidden*cfg.DecIntermediate),
		)
	}

	t = append(t, one("norm.weight", DecPrefix+"norm.weight", KindF32, cfg.DecHidden))
	return t
}
