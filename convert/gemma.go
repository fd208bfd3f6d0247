package convert

import (
	"strings"

	"github.com/knights-analytics/hugolite/backends"
)

type gemmaModel struct {
	ModelParameters
	MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
	HiddenSize            uint32  `json:"hidden_size"`
	HiddenLayers          uint32  `json:"num_hidden_layers"`
	IntermediateSize      uint32  `json:"intermediate_size"`
	NumAttentionHeads     uint32  `json:"num_attention_heads"`
	NumKeyValueHeads      uint32  `json:"num_key_value_heads"`
	RMSNormEPS            float32 `json:"rms_norm_eps"`
	HeadDim               uint32  `json:"head_dim"`
}

var _ modelConverter = (*gemmaModel)(nil)

func (p *gemmaModel) KV(t *backends.Tokenizer) KV {
	kv := p.ModelParameters.KV(t)
	kv["general.architecture"] = "gemma"
	kv["gemma.context_length"] = p.MaxPositionEmbeddings
	kv["gemma.embedding_length"] = p.HiddenSize
	kv["gemma.block_count"] = p.HiddenLayers
	kv["gemma.feed_forward_length"] = p.IntermediateSize
	kv["gemma.attention.head_count"] = p.NumAttentionHeads
	kv["gemma.attention.head_count_kv"] = p.NumKeyValueHeads
	kv["gemma.attention.layer_norm_rms_epsilon"] = p.RMSNormEPS
	kv["gemma.attention.key_length"] = p.HeadDim
	kv["gemma.attention.value_length"] = p.HeadDim
	addGemmaInfillTokens(kv)
	return kv
}

// addGemmaInfillTokens sets the fixed ids of the gemma end-of-turn and fill-in-the-middle tokens.
func addGemmaInfillTokens(kv KV) {
	kv["tokenizer.ggml.eot_token_id"] = uint32(107)
	kv["tokenizer.ggml.middle_token_id"] = uint32(68)
	kv["tokenizer.ggml.prefix_token_id"] = uint32(67)
	kv["tokenizer.ggml.suffix_token_id"] = uint32(69)
}

func (p *gemmaModel) Tensors(ts []*safetensor) []*safetensor {
	for _, t := range ts {
		if strings.HasSuffix(t.Name(), "_norm.weight") {
			t.SetRepacker(addOne)
		}
	}
	return ts
}

func (p *gemmaModel) Replacements() []string {
	return []string{
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

type gemma2Model struct {
	gemmaModel
	SlidingWindow         uint32  `json:"sliding_window"`
	AttentionLogitSoftcap float32 `json:"attn_logit_softcapping"`
	FinalLogitSoftcap     float32 `json:"final_logit_softcapping"`
}

func (p *gemma2Model) KV(t *backends.Tokenizer) KV {
	kv := p.ModelParameters.KV(t)
	kv["general.architecture"] = "gemma2"
	kv["gemma2.context_length"] = p.MaxPositionEmbeddings
	kv["gemma2.embedding_length"] = p.HiddenSize
	kv["gemma2.block_count"] = p.HiddenLayers
	kv["gemma2.feed_forward_length"] = p.IntermediateSize
	kv["gemma2.attention.head_count"] = p.NumAttentionHeads
	kv["gemma2.attention.head_count_kv"] = p.NumKeyValueHeads
	kv["gemma2.attention.layer_norm_rms_epsilon"] = p.RMSNormEPS
	kv["gemma2.attention.key_length"] = p.HeadDim
	kv["gemma2.attention.value_length"] = p.HeadDim
	kv["gemma2.attention.sliding_window"] = p.SlidingWindow
	kv["gemma2.attn_logit_softcapping"] = p.AttentionLogitSoftcap
	kv["gemma2.final_logit_softcapping"] = p.FinalLogitSoftcap
	addGemmaInfillTokens(kv)
	return kv
}

func (p *gemma2Model) Replacements() []string {
	return []string{
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
		"post_attention_layernorm", "post_attention_norm",
		"pre_feedforward_layernorm", "ffn_norm",
		"post_feedforward_layernorm", "post_ffw_norm",
	}
}

type gemma3TextModel struct {
	MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
	HiddenSize            uint32  `json:"hidden_size"`
	HiddenLayers          uint32  `json:"num_hidden_layers"`
	IntermediateSize      uint32  `json:"intermediate_size"`
	NumAttentionHeads     uint32  `json:"num_attention_heads"`
	NumKeyValueHeads      uint32  `json:"num_key_value_heads"`
	RMSNormEPS            float32 `json:"rms_norm_eps"`
	HeadDim               uint32  `json:"head_dim"`
	SlidingWindow         uint32  `json:"sliding_window"`
	FinalLogitSoftcap     float32 `json:"final_logit_softcapping"`
	RopeLocalTheta        float32 `json:"rope_local_base_freq"`
	RopeGlobalTheta       float32 `json:"rope_theta"`
}

// gemma3Model converts the language model of gemma3 checkpoints. The vision tower and
// projector of multimodal checkpoints are dropped.
type gemma3Model struct {
	ModelParameters
	gemma3TextModel
	TextModel *gemma3TextModel `json:"text_config"`
}

func (p *gemma3Model) text() gemma3TextModel {
	if p.TextModel != nil {
		return *p.TextModel
	}
	return p.gemma3TextModel
}

func (p *gemma3Model) KV(t *backends.Tokenizer) KV {
	tm := p.text()
	kv := p.ModelParameters.KV(t)
	kv["general.architecture"] = "gemma3"
	kv["gemma3.context_length"] = tm.MaxPositionEmbeddings
	kv["gemma3.embedding_length"] = tm.HiddenSize
	kv["gemma3.block_count"] = tm.HiddenLayers
	kv["gemma3.feed_forward_length"] = tm.IntermediateSize
	kv["gemma3.attention.head_count"] = tm.NumAttentionHeads
	kv["gemma3.attention.head_count_kv"] = tm.NumKeyValueHeads
	kv["gemma3.attention.layer_norm_rms_epsilon"] = tm.RMSNormEPS
	kv["gemma3.attention.key_length"] = tm.HeadDim
	kv["gemma3.attention.value_length"] = tm.HeadDim
	kv["gemma3.attention.sliding_window"] = tm.SlidingWindow
	kv["gemma3.final_logit_softcapping"] = tm.FinalLogitSoftcap
	kv["gemma3.rope.local.freq_base"] = tm.RopeLocalTheta
	kv["gemma3.rope.global.freq_base"] = tm.RopeGlobalTheta
	return kv
}

func (p *gemma3Model) Tensors(ts []*safetensor) []*safetensor {
	for _, t := range ts {
		if strings.HasSuffix(t.Name(), "_norm.weight") {
			t.SetRepacker(addOne)
		}
	}
	return ts
}

func (p *gemma3Model) skip(name string) bool {
	for _, prefix := range []string{"vision_tower.", "multi_modal_projector.", "model.vision_tower.", "model.multi_modal_projector."} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (p *gemma3Model) Replacements() []string {
	return []string{
		"lm_head", "output",
		"model.language_model.embed_tokens", "token_embd",
		"model.language_model.norm", "output_norm",
		"model.language_model.layers", "blk",
		"language_model.", "",
		"model.embed_tokens", "token_embd",
		"model.norm", "output_norm",
		"model.layers", "blk",
		"input_layernorm", "attn_norm",
		"self_attn.q_proj", "attn_q",
		"self_attn.q_norm", "attn_q_norm",
		"self_attn.k_proj", "attn_k",
		"self_attn.k_norm", "attn_k_norm",
		"self_attn.v_proj", "attn_v",
		"self_attn.o_proj", "attn_output",
		"mlp.gate_proj", "ffn_gate",
		"mlp.down_proj", "ffn_down",
		"mlp.up_proj", "ffn_up",
		"post_attention_layernorm", "post_attention_norm",
		"pre_feedforward_layernorm", "ffn_norm",
		"post_feedforward_layernorm", "post_ffw_norm",
	}
}
