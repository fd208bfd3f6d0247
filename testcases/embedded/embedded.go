// Package embedded holds a tiny randomly shaped checkpoint used by the tests of every package.
package embedded

import (
	"bytes"
	_ "embed"
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/x448/float16"
)

//go:embed tiny/tokenizer.json
var TokenizerJSON []byte

//go:embed tiny/tokenizer_config.json
var TokenizerConfigJSON []byte

//go:embed tiny/generation_config.json
var GenerationConfigJSON []byte

//go:embed tiny/llama_config.json
var LlamaConfigJSON []byte

//go:embed tiny/gemma_config.json
var GemmaConfigJSON []byte

//go:embed tiny/gemma2_config.json
var Gemma2ConfigJSON []byte

//go:embed tiny/gemma3_config.json
var Gemma3ConfigJSON []byte

//go:embed tiny/qwen2_config.json
var Qwen2ConfigJSON []byte

//go:embed tiny/bert_config.json
var BertConfigJSON []byte

// VocabSize of TokenizerJSON.
const VocabSize = 16

type Tensor struct {
	Shape []uint64
	Data  []float32
}

func newTensor(shape ...uint64) Tensor {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		// exactly representable in F16 and BF16
		data[i] = float32(i%7-3) * 0.25
	}
	return Tensor{Shape: shape, Data: data}
}

// scaled multiplies by a power of two so values stay exact in every dtype.
func scaled(t Tensor, f float32) Tensor {
	data := make([]float32, len(t.Data))
	for i, v := range t.Data {
		data[i] = v * f
	}
	return Tensor{Shape: t.Shape, Data: data}
}

// LlamaTensors returns weights matching LlamaConfigJSON.
func LlamaTensors() map[string]Tensor {
	return map[string]Tensor{
		"model.embed_tokens.weight":                      newTensor(16, 8),
		"model.layers.0.input_layernorm.weight":          newTensor(8),
		"model.layers.0.self_attn.q_proj.weight":         newTensor(8, 8),
		"model.layers.0.self_attn.k_proj.weight":         newTensor(4, 8),
		"model.layers.0.self_attn.v_proj.weight":         newTensor(4, 8),
		"model.layers.0.self_attn.o_proj.weight":         newTensor(8, 8),
		"model.layers.0.post_attention_layernorm.weight": newTensor(8),
		"model.layers.0.mlp.gate_proj.weight":            newTensor(16, 8),
		"model.layers.0.mlp.up_proj.weight":              newTensor(16, 8),
		"model.layers.0.mlp.down_proj.weight":            newTensor(8, 16),
		"model.norm.weight":                              newTensor(8),
		"lm_head.weight":                                 newTensor(16, 8),
	}
}

// GemmaTensors returns weights matching GemmaConfigJSON. Gemma ties the output head to the embeddings.
func GemmaTensors() map[string]Tensor {
	tensors := LlamaTensors()
	delete(tensors, "lm_head.weight")
	return tensors
}

// Gemma2Tensors adds the feed-forward sandwich norms of gemma2 to GemmaTensors.
func Gemma2Tensors() map[string]Tensor {
	tensors := GemmaTensors()
	tensors["model.layers.0.pre_feedforward_layernorm.weight"] = scaled(newTensor(8), 2)
	tensors["model.layers.0.post_feedforward_layernorm.weight"] = scaled(newTensor(8), 0.5)
	return tensors
}

// Gemma3TextVocabSize is the text_config vocab_size of Gemma3ConfigJSON, larger than the tokenizer.
const Gemma3TextVocabSize = 18

// Gemma3Tensors returns a multimodal checkpoint matching Gemma3ConfigJSON. The language model
// weights are stored under textPrefix, either "language_model.model." or "model.language_model.",
// and the vision tower and projector under visionPrefix.
func Gemma3Tensors(textPrefix, visionPrefix string) map[string]Tensor {
	tensors := map[string]Tensor{}
	for name, t := range Gemma2Tensors() {
		tensors[textPrefix+strings.TrimPrefix(name, "model.")] = t
	}
	tensors[textPrefix+"embed_tokens.weight"] = newTensor(Gemma3TextVocabSize, 8)
	tensors[textPrefix+"layers.0.self_attn.q_norm.weight"] = newTensor(4)
	tensors[textPrefix+"layers.0.self_attn.k_norm.weight"] = newTensor(4)
	tensors[visionPrefix+"vision_tower.vision_model.embeddings.patch_embedding.weight"] = newTensor(8, 3, 2, 2)
	tensors[visionPrefix+"vision_tower.vision_model.post_layernorm.weight"] = newTensor(8)
	tensors[visionPrefix+"multi_modal_projector.mm_input_projection_weight"] = newTensor(8, 8)
	return tensors
}

// Qwen2Tensors adds the attention biases of qwen2 to LlamaTensors.
func Qwen2Tensors() map[string]Tensor {
	tensors := LlamaTensors()
	tensors["model.layers.0.self_attn.q_proj.bias"] = newTensor(8)
	tensors["model.layers.0.self_attn.k_proj.bias"] = newTensor(4)
	tensors["model.layers.0.self_attn.v_proj.bias"] = newTensor(4)
	return tensors
}

// EncodeSafetensors serialises tensors with the given dtype, one of F32, F16 or BF16.
func EncodeSafetensors(tensors map[string]Tensor, dtype string) ([]byte, error) {
	width := map[string]int64{"F32": 4, "F16": 2, "BF16": 2}[dtype]
	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}

	header := map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
	}
	data := &bytes.Buffer{}
	var offset int64
	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		t := tensors[name]
		size := int64(len(t.Data)) * width
		header[name] = map[string]any{
			"dtype":        dtype,
			"shape":        t.Shape,
			"data_offsets": []int64{offset, offset + size},
		}
		offset += size

		for _, v := range t.Data {
			var err error
			switch dtype {
			case "F32":
				err = binary.Write(data, binary.LittleEndian, v)
			case "F16":
				err = binary.Write(data, binary.LittleEndian, float16.Fromfloat32(v).Bits())
			case "BF16":
				err = binary.Write(data, binary.LittleEndian, uint16(math.Float32bits(v)>>16))
			}
			if err != nil {
				return nil, err
			}
		}
	}

	headerBytes, err := jsoniter.Marshal(header)
	if err != nil {
		return nil, err
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	out := &bytes.Buffer{}
	if err := binary.Write(out, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return nil, err
	}
	out.Write(headerBytes)
	out.Write(data.Bytes())
	return out.Bytes(), nil
}

// WriteModel writes a checkpoint folder with the tiny tokenizer, config and a single safetensors shard.
func WriteModel(dir string, config []byte, tensors map[string]Tensor, dtype string) error {
	weights, err := EncodeSafetensors(tensors, dtype)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := map[string][]byte{
		"config.json":            config,
		"tokenizer.json":         TokenizerJSON,
		"tokenizer_config.json":  TokenizerConfigJSON,
		"generation_config.json": GenerationConfigJSON,
		"model.safetensors":      weights,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// WriteLlama writes the tiny llama checkpoint to dir.
func WriteLlama(dir string) error {
	return WriteModel(dir, LlamaConfigJSON, LlamaTensors(), "F32")
}

// WriteGemma writes the tiny gemma checkpoint to dir with bfloat16 weights.
func WriteGemma(dir string) error {
	return WriteModel(dir, GemmaConfigJSON, GemmaTensors(), "BF16")
}

// WriteGemma2 writes the tiny gemma2 checkpoint to dir with bfloat16 weights.
func WriteGemma2(dir string) error {
	return WriteModel(dir, Gemma2ConfigJSON, Gemma2Tensors(), "BF16")
}

// WriteQwen2 writes the tiny qwen2 checkpoint to dir with float16 weights.
func WriteQwen2(dir string) error {
	return WriteModel(dir, Qwen2ConfigJSON, Qwen2Tensors(), "F16")
}
