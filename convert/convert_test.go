package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/knights-analytics/hugolite/backends"
	"github.com/knights-analytics/hugolite/export"
	"github.com/knights-analytics/hugolite/testcases/embedded"
)

// savedModel exports the tiny checkpoint written by write and returns the saved-model directory.
func savedModel(t *testing.T, write func(dir string) error) string {
	t.Helper()
	root := t.TempDir()
	modelDir := filepath.Join(root, "test_tiny")
	require.NoError(t, write(modelDir))

	model, err := backends.LoadModel(context.Background(), "test/tiny", modelDir)
	require.NoError(t, err)

	dir := filepath.Join(root, "tiny_saved_model")
	_, err = export.Export(context.Background(), model, dir)
	require.NoError(t, err)
	return dir
}

func convertToGGUF(t *testing.T, dir string, opts Options) ([]byte, *File) {
	t.Helper()
	artifact, err := Convert(context.Background(), dir, opts)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := artifact.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	f, err := ReadGGUF(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return buf.Bytes(), f
}

func tensorData(t *testing.T, b []byte, f *File, name string) []float32 {
	t.Helper()
	i := slices.IndexFunc(f.Tensors, func(ti TensorInfo) bool { return ti.Name == name })
	require.GreaterOrEqual(t, i, 0, name)
	ti := f.Tensors[i]

	n := uint64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	r := bytes.NewReader(b[f.DataOffset+int64(ti.Offset):])
	out := make([]float32, n)
	switch ti.Kind {
	case F32:
		require.NoError(t, binary.Read(r, binary.LittleEndian, out))
	case F16:
		u16s := make([]uint16, n)
		require.NoError(t, binary.Read(r, binary.LittleEndian, u16s))
		for j := range u16s {
			out[j] = float16.Frombits(u16s[j]).Float32()
		}
	default:
		t.Fatalf("unexpected kind %v", ti.Kind)
	}
	return out
}

func kinds(f *File) map[string]TensorType {
	out := map[string]TensorType{}
	for _, ti := range f.Tensors {
		out[ti.Name] = ti.Kind
	}
	return out
}

// permuteRows returns data with its rows reordered so that row i of the result is row order[i] of data.
func permuteRows(data []float32, cols int, order []int) []float32 {
	var out []float32
	for _, r := range order {
		out = append(out, data[r*cols:(r+1)*cols]...)
	}
	return out
}

func TestConvertLlamaQuantized(t *testing.T) {
	b, f := convertToGGUF(t, savedModel(t, embedded.WriteLlama), NewOptions(true))

	assert.Equal(t, uint32(3), f.Version)
	assert.Equal(t, uint32(1), f.FileType())
	assert.Equal(t, "llama", f.KV["general.architecture"])
	assert.Equal(t, "test/tiny", f.KV["general.name"])
	assert.Equal(t, uint32(1), f.KV["llama.block_count"])
	assert.Equal(t, uint32(2), f.KV["llama.attention.head_count"])
	assert.Equal(t, uint32(1), f.KV["llama.attention.head_count_kv"])
	assert.Equal(t, uint32(4), f.KV["llama.rope.dimension_count"])
	assert.Equal(t, float32(0.7), f.KV["general.sampling.temp"])
	assert.Equal(t, float32(0.9), f.KV["general.sampling.top_p"])
	assert.Equal(t, uint32(512), f.KV["generate.max_length"])
	assert.Equal(t, []string{"input_ids:int32[1,-1]"}, f.KV["generate.inputs"])
	assert.Equal(t, []string{"output_ids:int32[1,-1]"}, f.KV["generate.outputs"])
	assert.Equal(t, "gpt2", f.KV["tokenizer.ggml.model"])
	assert.Equal(t, uint32(1), f.KV["tokenizer.ggml.bos_token_id"])
	assert.Equal(t, uint32(2), f.KV["tokenizer.ggml.eos_token_id"])
	assert.Len(t, f.KV["tokenizer.ggml.tokens"], embedded.VocabSize)

	expected := map[string]TensorType{
		"output.weight":            F16,
		"token_embd.weight":        F16,
		"blk.0.attn_norm.weight":   F32,
		"blk.0.ffn_down.weight":    F16,
		"blk.0.ffn_gate.weight":    F16,
		"blk.0.ffn_up.weight":      F16,
		"blk.0.ffn_norm.weight":    F32,
		"blk.0.attn_k.weight":      F16,
		"blk.0.attn_output.weight": F16,
		"blk.0.attn_q.weight":      F16,
		"blk.0.attn_v.weight":      F16,
		"output_norm.weight":       F32,
	}
	if diff := cmp.Diff(expected, kinds(f)); diff != "" {
		t.Errorf("tensor types mismatch (-want +got):\n%s", diff)
	}

	assert.Zero(t, f.DataOffset%32)
	for _, ti := range f.Tensors {
		assert.Zero(t, ti.Offset%32, ti.Name)
	}

	source := embedded.LlamaTensors()
	q := source["model.layers.0.self_attn.q_proj.weight"]
	assert.Equal(t, permuteRows(q.Data, 8, []int{0, 2, 1, 3, 4, 6, 5, 7}), tensorData(t, b, f, "blk.0.attn_q.weight"))
	k := source["model.layers.0.self_attn.k_proj.weight"]
	assert.Equal(t, permuteRows(k.Data, 8, []int{0, 2, 1, 3}), tensorData(t, b, f, "blk.0.attn_k.weight"))
	assert.Equal(t, source["model.norm.weight"].Data, tensorData(t, b, f, "output_norm.weight"))
	assert.Equal(t, []uint64{16, 8}, f.Tensors[slices.IndexFunc(f.Tensors, func(ti TensorInfo) bool { return ti.Name == "token_embd.weight" })].Shape)
}

func TestConvertLlamaNoQuantize(t *testing.T) {
	b, f := convertToGGUF(t, savedModel(t, embedded.WriteLlama), NewOptions(false))

	assert.Equal(t, uint32(0), f.FileType())
	for name, kind := range kinds(f) {
		assert.Equal(t, F32, kind, name)
	}
	source := embedded.LlamaTensors()
	assert.Equal(t, source["model.embed_tokens.weight"].Data, tensorData(t, b, f, "token_embd.weight"))
	assert.Equal(t, source["lm_head.weight"].Data, tensorData(t, b, f, "output.weight"))
}

func TestConvertGemma(t *testing.T) {
	b, f := convertToGGUF(t, savedModel(t, embedded.WriteGemma), NewOptions(false))

	assert.Equal(t, "gemma", f.KV["general.architecture"])
	assert.Equal(t, uint32(4), f.KV["gemma.attention.key_length"])
	assert.Equal(t, uint32(107), f.KV["tokenizer.ggml.eot_token_id"])
	assert.NotContains(t, kinds(f), "output.weight")

	source := embedded.GemmaTensors()
	norm := source["model.layers.0.input_layernorm.weight"].Data
	expected := make([]float32, len(norm))
	for i, v := range norm {
		expected[i] = v + 1
	}
	assert.Equal(t, expected, tensorData(t, b, f, "blk.0.attn_norm.weight"))
	assert.Equal(t, source["model.layers.0.mlp.up_proj.weight"].Data, tensorData(t, b, f, "blk.0.ffn_up.weight"))
}

func plusOne(data []float32) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v + 1
	}
	return out
}

func TestConvertMistral(t *testing.T) {
	b, f := convertToGGUF(t, savedModel(t, func(dir string) error {
		config := bytes.Replace(embedded.LlamaConfigJSON, []byte("LlamaForCausalLM"), []byte("MistralForCausalLM"), 1)
		return embedded.WriteModel(dir, config, embedded.LlamaTensors(), "F32")
	}), NewOptions(false))

	assert.Equal(t, "llama", f.KV["general.architecture"])
	q := embedded.LlamaTensors()["model.layers.0.self_attn.q_proj.weight"]
	assert.Equal(t, permuteRows(q.Data, 8, []int{0, 2, 1, 3, 4, 6, 5, 7}), tensorData(t, b, f, "blk.0.attn_q.weight"))
}

func TestConvertQwen2(t *testing.T) {
	b, f := convertToGGUF(t, savedModel(t, embedded.WriteQwen2), NewOptions(false))

	assert.Equal(t, "qwen2", f.KV["general.architecture"])
	assert.Equal(t, uint32(1), f.KV["qwen2.block_count"])
	assert.Equal(t, uint32(2), f.KV["qwen2.attention.head_count"])
	assert.Equal(t, float32(1e6), f.KV["qwen2.rope.freq_base"])
	assert.Equal(t, uint32(16), f.KV["qwen2.vocab_size"])
	for k := range f.KV {
		assert.NotContains(t, k, "llama.")
	}

	source := embedded.Qwen2Tensors()
	ks := kinds(f)
	assert.Equal(t, F32, ks["blk.0.attn_q.bias"])
	assert.Equal(t, source["model.layers.0.self_attn.q_proj.bias"].Data, tensorData(t, b, f, "blk.0.attn_q.bias"))
	assert.Equal(t, source["model.layers.0.self_attn.k_proj.bias"].Data, tensorData(t, b, f, "blk.0.attn_k.bias"))
	// rotary weights are already half-split
	assert.Equal(t, source["model.layers.0.self_attn.q_proj.weight"].Data, tensorData(t, b, f, "blk.0.attn_q.weight"))
	assert.Equal(t, source["model.layers.0.self_attn.k_proj.weight"].Data, tensorData(t, b, f, "blk.0.attn_k.weight"))
}

func TestConvertGemma2(t *testing.T) {
	b, f := convertToGGUF(t, savedModel(t, embedded.WriteGemma2), NewOptions(true))

	assert.Equal(t, "gemma2", f.KV["general.architecture"])
	assert.Equal(t, uint32(32), f.KV["gemma2.attention.sliding_window"])
	assert.Equal(t, float32(50), f.KV["gemma2.attn_logit_softcapping"])
	assert.Equal(t, float32(30), f.KV["gemma2.final_logit_softcapping"])
	assert.Equal(t, uint32(4), f.KV["gemma2.attention.key_length"])
	assert.Equal(t, uint32(107), f.KV["tokenizer.ggml.eot_token_id"])

	source := embedded.Gemma2Tensors()
	norms := map[string]string{
		"blk.0.attn_norm.weight":           "model.layers.0.input_layernorm.weight",
		"blk.0.post_attention_norm.weight": "model.layers.0.post_attention_layernorm.weight",
		"blk.0.ffn_norm.weight":            "model.layers.0.pre_feedforward_layernorm.weight",
		"blk.0.post_ffw_norm.weight":       "model.layers.0.post_feedforward_layernorm.weight",
		"output_norm.weight":               "model.norm.weight",
	}
	ks := kinds(f)
	for name, hf := range norms {
		assert.Equal(t, F32, ks[name], name)
		assert.Equal(t, plusOne(source[hf].Data), tensorData(t, b, f, name), name)
	}
	assert.Len(t, f.Tensors, len(source))
	assert.Equal(t, F16, ks["blk.0.ffn_up.weight"])
}

func TestConvertGemma3Multimodal(t *testing.T) {
	cases := []struct {
		name         string
		textPrefix   string
		visionPrefix string
	}{
		{"language_model prefix", "language_model.model.", ""},
		{"model.language_model prefix", "model.language_model.", "model."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := embedded.Gemma3Tensors(tc.textPrefix, tc.visionPrefix)
			b, f := convertToGGUF(t, savedModel(t, func(dir string) error {
				return embedded.WriteModel(dir, embedded.Gemma3ConfigJSON, source, "BF16")
			}), NewOptions(true))

			assert.Equal(t, "gemma3", f.KV["general.architecture"])
			assert.Equal(t, uint32(1), f.KV["gemma3.block_count"])
			assert.Equal(t, uint32(8), f.KV["gemma3.embedding_length"])
			assert.Equal(t, uint32(16), f.KV["gemma3.feed_forward_length"])
			assert.Equal(t, uint32(4), f.KV["gemma3.attention.key_length"])
			assert.Equal(t, uint32(16), f.KV["gemma3.attention.sliding_window"])
			assert.Equal(t, float32(10000), f.KV["gemma3.rope.local.freq_base"])
			assert.Equal(t, float32(1e6), f.KV["gemma3.rope.global.freq_base"])

			tokens, ok := f.KV["tokenizer.ggml.tokens"].([]string)
			require.True(t, ok)
			assert.Len(t, tokens, embedded.Gemma3TextVocabSize)
			assert.Equal(t, []string{"[PAD16]", "[PAD17]"}, tokens[16:])

			expected := map[string]TensorType{
				"token_embd.weight":                F16,
				"output_norm.weight":               F32,
				"blk.0.attn_norm.weight":           F32,
				"blk.0.attn_q.weight":              F16,
				"blk.0.attn_k.weight":              F16,
				"blk.0.attn_v.weight":              F16,
				"blk.0.attn_output.weight":         F16,
				"blk.0.attn_q_norm.weight":         F32,
				"blk.0.attn_k_norm.weight":         F32,
				"blk.0.ffn_gate.weight":            F16,
				"blk.0.ffn_up.weight":              F16,
				"blk.0.ffn_down.weight":            F16,
				"blk.0.post_attention_norm.weight": F32,
				"blk.0.ffn_norm.weight":            F32,
				"blk.0.post_ffw_norm.weight":       F32,
			}
			if diff := cmp.Diff(expected, kinds(f)); diff != "" {
				t.Errorf("tensor types mismatch (-want +got):\n%s", diff)
			}

			embd := f.Tensors[slices.IndexFunc(f.Tensors, func(ti TensorInfo) bool { return ti.Name == "token_embd.weight" })]
			assert.Equal(t, []uint64{embedded.Gemma3TextVocabSize, 8}, embd.Shape)
			assert.Equal(t, plusOne(source[tc.textPrefix+"layers.0.self_attn.q_norm.weight"].Data), tensorData(t, b, f, "blk.0.attn_q_norm.weight"))
			assert.Equal(t, plusOne(source[tc.textPrefix+"layers.0.pre_feedforward_layernorm.weight"].Data), tensorData(t, b, f, "blk.0.ffn_norm.weight"))
			assert.Equal(t, source[tc.textPrefix+"layers.0.self_attn.q_proj.weight"].Data, tensorData(t, b, f, "blk.0.attn_q.weight"))
		})
	}
}

func TestConvertGemma3Text(t *testing.T) {
	config := []byte(`{
		"architectures": ["Gemma3ForCausalLM"],
		"model_type": "gemma3_text",
		"vocab_size": 16,
		"hidden_size": 8,
		"intermediate_size": 16,
		"num_hidden_layers": 1,
		"num_attention_heads": 2,
		"num_key_value_heads": 1,
		"head_dim": 4,
		"max_position_embeddings": 64,
		"rms_norm_eps": 1e-06,
		"sliding_window": 16,
		"rope_local_base_freq": 10000.0,
		"rope_theta": 1000000.0
	}`)
	tensors := embedded.Gemma2Tensors()
	b, f := convertToGGUF(t, savedModel(t, func(dir string) error {
		return embedded.WriteModel(dir, config, tensors, "BF16")
	}), NewOptions(false))

	assert.Equal(t, "gemma3", f.KV["general.architecture"])
	assert.Equal(t, uint32(64), f.KV["gemma3.context_length"])
	assert.Equal(t, uint32(2), f.KV["gemma3.attention.head_count"])
	assert.Len(t, f.KV["tokenizer.ggml.tokens"], embedded.VocabSize)
	assert.Len(t, f.Tensors, len(tensors))
	assert.Equal(t, plusOne(tensors["model.layers.0.post_feedforward_layernorm.weight"].Data), tensorData(t, b, f, "blk.0.post_ffw_norm.weight"))
}

func TestConvertPadsVocabulary(t *testing.T) {
	dir := savedModel(t, embedded.WriteLlama)
	config := bytes.Replace(embedded.LlamaConfigJSON, []byte(`"vocab_size": 16`), []byte(`"vocab_size": 18`), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, export.AssetsDir, "config.json"), config, 0o644))

	_, f := convertToGGUF(t, dir, NewOptions(true))
	tokens, ok := f.KV["tokenizer.ggml.tokens"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"[PAD16]", "[PAD17]"}, tokens[16:])
}

func TestConvertErrors(t *testing.T) {
	t.Run("unsupported architecture", func(t *testing.T) {
		dir := savedModel(t, embedded.WriteLlama)
		config := bytes.Replace(embedded.LlamaConfigJSON, []byte("LlamaForCausalLM"), []byte("PhiForCausalLM"), 1)
		require.NoError(t, os.WriteFile(filepath.Join(dir, export.AssetsDir, "config.json"), config, 0o644))

		_, err := Convert(context.Background(), dir, NewOptions(true))
		require.ErrorIs(t, err, ErrUnsupportedArchitecture)
	})
	t.Run("vocabulary too large", func(t *testing.T) {
		dir := savedModel(t, embedded.WriteLlama)
		config := bytes.Replace(embedded.LlamaConfigJSON, []byte(`"vocab_size": 16`), []byte(`"vocab_size": 8`), 1)
		require.NoError(t, os.WriteFile(filepath.Join(dir, export.AssetsDir, "config.json"), config, 0o644))

		_, err := Convert(context.Background(), dir, NewOptions(true))
		require.ErrorContains(t, err, "vocabulary is larger than expected")
	})
	t.Run("not a saved model", func(t *testing.T) {
		_, err := Convert(context.Background(), t.TempDir(), NewOptions(true))
		require.Error(t, err)
	})
	t.Run("cancelled", func(t *testing.T) {
		dir := savedModel(t, embedded.WriteLlama)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Convert(ctx, dir, NewOptions(true))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewOptions(t *testing.T) {
	assert.Equal(t, Options{Optimizations: []Optimization{OptimizeDefault}, SupportedTypes: []TensorType{F16}}, NewOptions(true))
	assert.True(t, NewOptions(true).quantize())
	assert.Equal(t, Options{}, NewOptions(false))
	assert.False(t, NewOptions(false).quantize())
	assert.False(t, Options{Optimizations: []Optimization{OptimizeDefault}}.quantize())
}

func TestKindFor(t *testing.T) {
	q := NewOptions(true)
	assert.Equal(t, F16, kindFor("blk.0.attn_q.weight", []uint64{8, 8}, q))
	assert.Equal(t, F32, kindFor("blk.0.attn_norm.weight", []uint64{8}, q))
	assert.Equal(t, F32, kindFor("blk.0.attn_q.bias", []uint64{8}, q))
	assert.Equal(t, F32, kindFor("blk.0.attn_q.weight", []uint64{8, 8}, NewOptions(false)))
}

func TestRepack(t *testing.T) {
	data := make([]float32, 8*2)
	for i := range data {
		data[i] = float32(i / 2)
	}
	p := &llamaModel{NumAttentionHeads: 2}
	out, err := p.repack("blk.0.attn_q.weight", data, []uint64{8, 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2, 2, 1, 1, 3, 3, 4, 4, 6, 6, 5, 5, 7, 7}, out)

	_, err = p.repack("blk.0.attn_v.weight", data, []uint64{8, 2})
	require.Error(t, err)

	_, err = (&llamaModel{NumAttentionHeads: 3}).repack("blk.0.attn_q.weight", data, []uint64{8, 2})
	require.Error(t, err)
}

func TestAddOne(t *testing.T) {
	out, err := addOne("blk.0.attn_norm.weight", []float32{0, -1, 0.5}, []uint64{3})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 1.5}, out)
}
