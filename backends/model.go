package backends

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/hugolite/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AssetFiles are the non-weight files of a model repository that travel with it.
var AssetFiles = []string{
	"config.json",
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
}

const safetensorsIndex = "model.safetensors.index.json"

// ModelConfig is the subset of config.json the pipeline needs before conversion.
type ModelConfig struct {
	Architectures         []string `json:"architectures"`
	ModelType             string   `json:"model_type"`
	VocabSize             uint32   `json:"vocab_size"`
	MaxPositionEmbeddings uint32   `json:"max_position_embeddings"`
	TorchDtype            string   `json:"torch_dtype"`
	TextConfig            *struct {
		VocabSize             uint32 `json:"vocab_size"`
		MaxPositionEmbeddings uint32 `json:"max_position_embeddings"`
	} `json:"text_config"`
	EosTokenIDs map[int64]bool `json:"-"`
}

// Architecture returns the first declared architecture, or "" when config.json declares none.
func (c ModelConfig) Architecture() string {
	if len(c.Architectures) == 0 {
		return ""
	}
	return c.Architectures[0]
}

// IsGenerative reports whether the architecture exposes an autoregressive generation head.
func (c ModelConfig) IsGenerative() bool {
	arch := c.Architecture()
	return strings.HasSuffix(arch, "ForCausalLM") || strings.HasSuffix(arch, "ForConditionalGeneration")
}

// TextVocabSize is the vocabulary size of the language model, looking into text_config
// for multimodal checkpoints.
func (c ModelConfig) TextVocabSize() uint32 {
	if c.VocabSize == 0 && c.TextConfig != nil {
		return c.TextConfig.VocabSize
	}
	return c.VocabSize
}

type Model struct {
	Name        string
	Path        string
	Config      ModelConfig
	WeightFiles []string
	AssetFiles  []string
	Tokenizer   *Tokenizer
}

// LoadModel loads the configuration, weight listing and tokenizer of the model stored at path.
// name is the identifier the model was requested with and is carried into the exported artifacts.
func LoadModel(ctx context.Context, name string, path string) (*Model, error) {
	model := &Model{
		Name: name,
		Path: path,
	}

	files, err := fileutil.ListFiles(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing model folder %s: %w", path, err)
	}
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".safetensors"), f == safetensorsIndex:
			model.WeightFiles = append(model.WeightFiles, f)
		case slices.Contains(AssetFiles, f):
			model.AssetFiles = append(model.AssetFiles, f)
		}
	}
	slices.Sort(model.WeightFiles)
	slices.Sort(model.AssetFiles)

	var errs []error
	if !slices.Contains(model.AssetFiles, "config.json") {
		errs = append(errs, fmt.Errorf("config.json not found at %s", path))
	}
	if !slices.ContainsFunc(model.WeightFiles, func(f string) bool { return strings.HasSuffix(f, ".safetensors") }) {
		errs = append(errs, fmt.Errorf("no .safetensors weights found at %s", path))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := loadModelConfig(model); err != nil {
		return nil, err
	}

	model.Tokenizer, err = LoadTokenizer(fileutil.NewFS(path))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	return model, nil
}

// SafetensorFiles returns the weight shards, without the index file.
func (m *Model) SafetensorFiles() []string {
	var files []string
	for _, f := range m.WeightFiles {
		if strings.HasSuffix(f, ".safetensors") {
			files = append(files, f)
		}
	}
	return files
}

func loadModelConfig(model *Model) error {
	configBytes, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(model.Path, "config.json"))
	if err != nil {
		return err
	}
	if err = json.Unmarshal(configBytes, &model.Config); err != nil {
		return fmt.Errorf("parsing config.json: %w", err)
	}

	configMap := map[string]any{}
	if err = json.Unmarshal(configBytes, &configMap); err != nil {
		return err
	}
	if eosRaw, exists := configMap["eos_token_id"]; exists && eosRaw != nil {
		model.Config.EosTokenIDs = map[int64]bool{}
		switch v := eosRaw.(type) {
		case []any:
			for i, item := range v {
				if num, ok := item.(float64); ok {
					model.Config.EosTokenIDs[int64(num)] = true
				} else {
					return fmt.Errorf("eos_token_id contains non-numeric value at index %d", i)
				}
			}
		case float64:
			model.Config.EosTokenIDs[int64(v)] = true
		default:
			return errors.New("eos_token_id must be either a number or an array of numbers")
		}
	}
	return nil
}
