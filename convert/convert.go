// Package convert turns a saved-model directory into a single GGUF file for on-device runtimes.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/hugolite/backends"
	"github.com/knights-analytics/hugolite/export"
	"github.com/knights-analytics/hugolite/util/fileutil"
	"github.com/knights-analytics/hugolite/util/safeconv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnsupportedArchitecture is returned for architectures without a tensor mapping.
var ErrUnsupportedArchitecture = errors.New("unsupported architecture")

type Optimization string

// OptimizeDefault is the default size optimization preset: weights are stored in the
// smallest supported type.
const OptimizeDefault Optimization = "DEFAULT"

type Options struct {
	Optimizations  []Optimization
	SupportedTypes []TensorType
}

// NewOptions returns the converter settings for the quantize toggle.
func NewOptions(quantize bool) Options {
	if !quantize {
		return Options{}
	}
	return Options{
		Optimizations:  []Optimization{OptimizeDefault},
		SupportedTypes: []TensorType{F16},
	}
}

func (o Options) quantize() bool {
	return slices.Contains(o.Optimizations, OptimizeDefault) && slices.Contains(o.SupportedTypes, F16)
}

// Artifact is a converted model ready to be written.
type Artifact struct {
	KV      KV
	Tensors []Tensor
}

// WriteTo writes the artifact as a GGUF file.
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	return WriteGGUF(w, a.KV, a.Tensors)
}

type ModelParameters struct {
	Architectures []string `json:"architectures"`
	VocabSize     uint32   `json:"vocab_size"`
	TextConfig    *struct {
		VocabSize uint32 `json:"vocab_size"`
	} `json:"text_config"`
}

func (p ModelParameters) vocabSize() uint32 {
	if p.VocabSize == 0 && p.TextConfig != nil {
		return p.TextConfig.VocabSize
	}
	return p.VocabSize
}

// KV holds the tokenizer metadata shared by every architecture.
func (ModelParameters) KV(t *backends.Tokenizer) KV {
	kv := KV{
		"general.quantization_version": uint32(2),
		"tokenizer.ggml.pre":           t.Pre,
		"tokenizer.ggml.model":         t.Vocabulary.Model,
		"tokenizer.ggml.tokens":        t.Vocabulary.Tokens,
		"tokenizer.ggml.scores":        t.Vocabulary.Scores,
		"tokenizer.ggml.token_type":    t.Vocabulary.Types,
	}

	if len(t.Merges) > 0 {
		kv["tokenizer.ggml.merges"] = t.Merges
	}

	if t.Template != "" {
		kv["tokenizer.chat_template"] = t.Template
	}

	for _, sv := range t.SpecialVocabulary {
		kv[fmt.Sprintf("tokenizer.ggml.%s_token_id", sv.Key())] = safeconv.IntToUint32(sv.ID)
		kv[fmt.Sprintf("tokenizer.ggml.add_%s_token", sv.Key())] = sv.AddToken
		if len(sv.IDs) > 0 {
			kv[fmt.Sprintf("tokenizer.ggml.%s_token_ids", sv.Key())] = sv.IDs
		}
	}
	return kv
}

type modelConverter interface {
	// KV maps parameters to GGUF key-values
	KV(*backends.Tokenizer) KV
	// Tensors marks tensors that need model specific repacking.
	Tensors([]*safetensor) []*safetensor
	// Replacements returns a list of string pairs to replace in tensor names.
	Replacements() []string
}

// skipper is implemented by converters that drop some checkpoint tensors.
type skipper interface {
	skip(name string) bool
}

// Convert reads the saved-model directory dir and maps it to GGUF tensors and metadata.
// No tensor data is read until the artifact is written.
func Convert(ctx context.Context, dir string, opts Options) (*Artifact, error) {
	manifest, err := export.ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	assets := fileutil.NewFS(fileutil.PathJoinSafe(dir, export.AssetsDir))
	bts, err := fs.ReadFile(assets, "config.json")
	if err != nil {
		return nil, err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, err
	}
	if len(p.Architectures) < 1 {
		return nil, fmt.Errorf("%w: config.json declares no architecture", ErrUnsupportedArchitecture)
	}

	var conv modelConverter
	switch p.Architectures[0] {
	case "LlamaForCausalLM", "MistralForCausalLM":
		conv = &llamaModel{}
	case "Qwen2ForCausalLM":
		conv = &qwen2Model{}
	case "GemmaForCausalLM":
		conv = &gemmaModel{}
	case "Gemma2ForCausalLM":
		conv = &gemma2Model{}
	case "Gemma3ForCausalLM", "Gemma3ForConditionalGeneration":
		conv = &gemma3Model{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, p.Architectures[0])
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return nil, err
	}

	t, err := backends.LoadTokenizer(assets)
	if err != nil {
		return nil, err
	}

	vocabSize := int(p.vocabSize())
	switch {
	case vocabSize > len(t.Vocabulary.Tokens):
		log.Warn().Int("expect", vocabSize).Int("actual", len(t.Vocabulary.Tokens)).Msg("vocabulary is smaller than expected, padding with dummy tokens")
		for id := len(t.Vocabulary.Tokens); id < vocabSize; id++ {
			t.Vocabulary.Tokens = append(t.Vocabulary.Tokens, fmt.Sprintf("[PAD%d]", id))
			t.Vocabulary.Scores = append(t.Vocabulary.Scores, -1)
			t.Vocabulary.Types = append(t.Vocabulary.Types, backends.TokenTypeUnused)
		}
	case vocabSize < len(t.Vocabulary.Tokens):
		return nil, fmt.Errorf("vocabulary is larger than expected '%d' instead of '%d'", len(t.Vocabulary.Tokens), vocabSize)
	default:
		log.Debug().Int("size", len(t.Vocabulary.Tokens)).Msg("vocabulary")
	}

	variables := fileutil.NewFS(fileutil.PathJoinSafe(dir, export.VariablesDir))
	ts, err := parseTensors(ctx, variables, manifest.Variables, conv, opts)
	if err != nil {
		return nil, err
	}

	kv := conv.KV(t)
	kv["general.name"] = manifest.ModelName
	kv["general.alignment"] = uint32(alignment)
	addGenerationKV(kv, manifest)

	artifact := &Artifact{KV: kv}
	fileType := uint32(0)
	for _, st := range conv.Tensors(ts) {
		if st.kind == F16 {
			fileType = 1
		}
		artifact.Tensors = append(artifact.Tensors, Tensor{
			Name:     st.name,
			Kind:     st.kind,
			Shape:    st.info.Shape,
			WriterTo: st,
		})
	}
	kv["general.file_type"] = fileType
	return artifact, nil
}

func parseTensors(ctx context.Context, fsys fs.FS, files []string, conv modelConverter, opts Options) ([]*safetensor, error) {
	replacer := strings.NewReplacer(conv.Replacements()...)
	skip, _ := conv.(skipper)

	var ts []*safetensor
	names := map[string]struct{}{}
	for _, f := range files {
		if !strings.HasSuffix(f, ".safetensors") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		infos, err := backends.ReadSafetensors(fsys, f)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if skip != nil && skip.skip(info.Name) {
				continue
			}
			name := replacer.Replace(info.Name)
			if _, ok := names[name]; ok {
				return nil, fmt.Errorf("duplicate tensor name '%s' was found for this model", name)
			}
			names[name] = struct{}{}
			ts = append(ts, &safetensor{
				fsys: fsys,
				info: info,
				name: name,
				kind: kindFor(name, info.Shape, opts),
			})
		}
	}
	if len(ts) == 0 {
		return nil, errors.New("saved model contains no tensors")
	}
	return ts, nil
}

// addGenerationKV records the generate signature and sampling policy of the manifest.
func addGenerationKV(kv KV, manifest *export.Manifest) {
	g := manifest.Generation
	kv["general.sampling.temp"] = g.Temperature
	kv["general.sampling.top_p"] = g.TopP
	kv["generate.max_length"] = safeconv.IntToUint32(g.MaxLength)
	kv["generate.do_sample"] = g.DoSample
	kv["generate.num_return_sequences"] = safeconv.IntToUint32(g.NumReturnSequences)

	signature := manifest.Signatures[export.SignatureName]
	kv["generate.inputs"] = specStrings(signature.Inputs)
	kv["generate.outputs"] = specStrings(signature.Outputs)
}

func specStrings(specs []export.TensorSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		dims := make([]string, len(s.Shape))
		for j, d := range s.Shape {
			dims[j] = fmt.Sprint(d)
		}
		out[i] = fmt.Sprintf("%s:%s[%s]", s.Name, s.DType, strings.Join(dims, ","))
	}
	return out
}
