// Package qwenasr describes the Qwen3-ASR model family: the flat set of
// hyperparameters both containers carry, the two released variants, and how to
// recover a configuration from a checkpoint directory.
package qwenasr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ErrUnknownVariant reports hyperparameters that match neither released model.
var ErrUnknownVariant = errors.New("qwenasr: unknown model variant")

// Config holds the hyperparameters that drive tensor layout. Both container
// formats embed exactly these thirteen values.
type Config struct {
	EncDModel       int
	EncLayers       int
	EncHeads        int
	EncHeadDim      int
	EncFFNDim       int
	EncOutputDim    int
	DecHidden       int
	DecLayers       int
	DecHeads        int
	DecKVHeads      int
	DecHeadDim      int
	DecIntermediate int
	VocabSize       int
}

// The two released checkpoints.
const (
	Variant0_6B = "0.6B"
	Variant1_7B = "1.7B"
)

var variantConfigs = map[string]Config{
	Variant0_6B: {
		EncDModel:       896,
		EncLayers:       18,
		EncHeads:        14,
		EncHeadDim:      64,
		EncFFNDim:       3584,
		EncOutputDim:    1024,
		DecHidden:       1024,
		DecLayers:       28,
		DecHeads:        16,
		DecKVHeads:      8,
		DecHeadDim:      128,
		DecIntermediate: 3072,
		VocabSize:       151936,
	},
	Variant1_7B: {
		EncDModel:       1024,
		EncLayers:       24,
		EncHeads:        16,
		EncHeadDim:      64,
		EncFFNDim:       4096,
		EncOutputDim:    2048,
		DecHidden:       2048,
		DecLayers:       28,
		DecHeads:        16,
		DecKVHeads:      8,
		DecHeadDim:      128,
		DecIntermediate: 6144,
		VocabSize:       151936,
	},
}

// ConfigForVariant returns the canonical hyperparameters of a released
// variant.
func ConfigForVariant(variant string) (Config, error) {
	cfg, ok := variantConfigs[variant]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	return cfg, nil
}

// Variant maps a loaded configuration onto one of the released checkpoints.
// The encoder depth and width together are enough to tell them apart.
func (c Config) Variant() (string, error) {
	for name, cfg := range variantConfigs {
		if c.EncLayers == cfg.EncLayers && c.EncDModel == cfg.EncDModel {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: enc_layers=%d enc_d_model=%d", ErrUnknownVariant, c.EncLayers, c.EncDModel)
}

// DetectVariant distinguishes the checkpoints by tensor inventory alone: the
// 1.7B encoder is 24 layers deep, so layer 18 only exists there. This lets the
// flat converter run against directories that ship without a config.json.
func DetectVariant(has func(name string) bool) string {
	if has("thinker.audio_tower.layers.18.self_attn.q_proj.weight") {
		return Variant1_7B
	}
	return Variant0_6B
}

// section is one level of the nested config.json document.
type section map[string]any

func (s section) sub(key string) section {
	if m, ok := s[key].(map[string]any); ok {
		return m
	}
	return nil
}

// lookup returns the first present key, falling back to def. JSON numbers
// arrive as float64.
func (s section) lookup(def int, keys ...string) int {
	for _, k := range keys {
		if f, ok := s[k].(float64); ok {
			return int(f)
		}
	}
	return def
}

// LoadConfig reads dir/config.json. The HuggingFace checkpoint nests the
// interesting values under thinker_config.audio_config and
// thinker_config.text_config; older exports keep them at the top level, and
// several keys have two spellings. Lookup order is nested section, top-level
// section, the document itself, then the 0.6B defaults.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, "config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var doc section
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("%s: parse config: %w", path, err)
	}

	thinker := doc.sub("thinker_config")
	if thinker == nil {
		thinker = doc
	}
	audio := thinker.sub("audio_config")
	if audio == nil {
		audio = doc.sub("audio_config")
	}
	if audio == nil {
		audio = doc
	}
	text := thinker.sub("text_config")
	if text == nil {
		text = doc.sub("text_config")
	}
	if text == nil {
		text = doc
	}

	var cfg Config
	cfg.EncDModel = audio.lookup(896, "d_model", "hidden_size")
	cfg.EncLayers = audio.lookup(18, "encoder_layers", "num_hidden_layers")
	cfg.EncHeads = audio.lookup(14, "encoder_attention_heads", "num_attention_heads")
	if cfg.EncHeads <= 0 {
		return Config{}, fmt.Errorf("%s: invalid encoder head count %d", path, cfg.EncHeads)
	}
	cfg.EncHeadDim = cfg.EncDModel / cfg.EncHeads
	cfg.EncFFNDim = audio.lookup(3584, "encoder_ffn_dim", "intermediate_size")
	cfg.EncOutputDim = audio.lookup(1024, "output_dim")

	cfg.DecHidden = text.lookup(1024, "hidden_size")
	cfg.DecLayers = text.lookup(28, "num_hidden_layers")
	cfg.DecHeads = text.lookup(16, "num_attention_heads")
	cfg.DecKVHeads = text.lookup(8, "num_key_value_heads")
	if cfg.DecHeads <= 0 {
		return Config{}, fmt.Errorf("%s: invalid decoder head count %d", path, cfg.DecHeads)
	}
	cfg.DecHeadDim = text.lookup(cfg.DecHidden/cfg.DecHeads, "head_dim")
	cfg.DecIntermediate = text.lookup(3072, "intermediate_size")
	cfg.VocabSize = text.lookup(151936, "vocab_size")

	return cfg, nil
}
