package convert

import (
	"cmp"
	"fmt"
	"strings"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/hugolite/backends"
)

type llamaModel struct {
	ModelParameters
	NumHiddenLayers       uint32  `json:"num_hidden_layers"`
	MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
	HiddenSize            uint32  `json:"hidden_size"`
	IntermediateSize      uint32  `json:"intermediate_size"`
	NumAttentionHeads     uint32  `json:"num_attention_heads"`
	NumKeyValueHeads      uint32  `json:"num_key_value_heads"`
	HeadDim               uint32  `json:"head_dim"`
	RopeTheta             float32 `json:"rope_theta"`
	RopeScaling           struct {
		Type   string  `json:"type"`
		Factor float32 `json:"factor"`
	} `json:"rope_scaling"`
	RMSNormEPS float32 `json:"rms_norm_eps"`
}

var _ modelConverter = (*llamaModel)(nil)

func (p *llamaModel) KV(t *backends.Tokenizer) KV {
	kv := p.ModelParameters.KV(t)
	kv["general.architecture"] = "llama"
	kv["llama.vocab_size"] = p.vocabSize()
	kv["llama.block_count"] = p.NumHiddenLayers

	if p.MaxPositionEmbeddings > 0 {
		kv["llama.context_length"] = p.MaxPositionEmbeddings
	}
	if p.HiddenSize > 0 {
		kv["llama.embedding_length"] = p.HiddenSize
	}
	if p.IntermediateSize > 0 {
		kv["llama.feed_forward_length"] = p.IntermediateSize
	}
	if p.NumAttentionHeads > 0 {
		kv["llama.attention.head_count"] = p.NumAttentionHeads
		kv["llama.rope.dimension_count"] = cmp.Or(p.HeadDim, p.HiddenSize/p.NumAttentionHeads)
	}
	if p.RopeTheta > 0 {
		kv["llama.rope.freq_base"] = p.RopeTheta
	}
	if p.RopeScaling.Type == "linear" {
		kv["llama.rope.scaling.type"] = p.RopeScaling.Type
		kv["llama.rope.scaling.factor"] = p.RopeScaling.Factor
	}
	if p.NumKeyValueHeads > 0 {
		kv["llama.attention.head_count_kv"] = p.NumKeyValueHeads
	}
	if p.RMSNormEPS > 0 {
		kv["llama.attention.layer_norm_rms_epsilon"] = p.RMSNormEPS
	}
	return kv
}

func (p *llamaModel) Tensors(ts []*safetensor) []*safetensor {
	for _, t := range ts {
		if strings.HasSuffix(t.Name(), "attn_q.weight") ||
			strings.HasSuffix(t.Name(), "attn_k.weight") {
			t.SetRepacker(p.repack)
		}
	}
	return ts
}

func (p *llamaModel) Replacements() []string {
	return []string{
		"lm_head", "output",
		"model.embed_tokens", "token_embd",
		"model.norm", "output_norm",
		"model.layers", "blk",
		"input_layernorm", "attn_norm",
		"self_attn.q_proj", "attn_q",
		"self_attn.k_proj", "attn_k",
		"self_attn.v_proj", "attn_v",
		"self_attn.o_proj", "attn_output",
		"mlp.gate_proj", "ffn_gate",
		"mlp.down_proj", "ffn_down",
		"mlp.up_proj", "ffn_up",
		"post_attention_layernorm", "ffn_norm",
	}
}

// repack permutes the rows of the query and key projections from the interleaved rotary
// layout of the checkpoint to the half-split layout GGML expects.
func (p *llamaModel) repack(name string, data []float32, shape []uint64) ([]float32, error) {
	var dims []int
	for _, dim := range shape {
		dims = append(dims, int(dim))
	}

	var heads uint32
	switch {
	case strings.HasSuffix(name, "attn_q.weight"):
		heads = p.NumAttentionHeads
	case strings.HasSuffix(name, "attn_k.weight"):
		heads = cmp.Or(p.NumKeyValueHeads, p.NumAttentionHeads)
	default:
		return nil, fmt.Errorf("unknown tensor for repack: %s", name)
	}
	if heads == 0 || dims[0]%(int(heads)*2) != 0 {
		return nil, fmt.Errorf("cannot repack %s with shape %v into %d heads", name, shape, heads)
	}

	n := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
	if err := n.Reshape(append([]int{int(heads), 2, dims[0] / int(heads) / 2}, dims[1:]...)...); err != nil {
		return nil, err
	}

	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, err
	}

	if err := n.Reshape(dims...); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	return flatten(n, 1)
}

// qwen2Model shares the llama layout; its rotary embedding is already half-split so no repack is needed.
type qwen2Model struct {
	llamaModel
}

func (q *qwen2Model) KV(t *backends.Tokenizer) KV {
	kv := q.llamaModel.KV(t)
	renamed := KV{}
	for k, v := range kv {
		if rest, ok := strings.CutPrefix(k, "llama."); ok {
			k = "qwen2." + rest
		}
		renamed[k] = v
	}
	renamed["general.architecture"] = "qwen2"
	return renamed
}

func (q *qwen2Model) Tensors(ts []*safetensor) []*safetensor {
	return ts
}
