package export

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/hugolite/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ManifestFile  = "saved_model.json"
	VariablesDir  = "variables"
	AssetsDir     = "assets"
	FormatVersion = 1
)

// Generation policy baked into every exported model.
const (
	SignatureName      = "generate"
	MaxLength          = 512
	DoSample           = true
	Temperature        = float32(0.7)
	TopP               = float32(0.9)
	NumReturnSequences = 1
)

type TensorSpec struct {
	Name  string  `json:"name"`
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
}

type Signature struct {
	Name    string       `json:"name"`
	Inputs  []TensorSpec `json:"inputs"`
	Outputs []TensorSpec `json:"outputs"`
}

type GenerationConfig struct {
	MaxLength          int     `json:"max_length"`
	DoSample           bool    `json:"do_sample"`
	Temperature        float32 `json:"temperature"`
	TopP               float32 `json:"top_p"`
	NumReturnSequences int     `json:"num_return_sequences"`
}

// Manifest describes a saved-model directory.
type Manifest struct {
	FormatVersion int                  `json:"format_version"`
	ModelName     string               `json:"model_name"`
	Architecture  string               `json:"architecture"`
	ModelType     string               `json:"model_type"`
	Signatures    map[string]Signature `json:"signatures"`
	Generation    GenerationConfig     `json:"generation"`
	Variables     []string             `json:"variables"`
	Assets        []string             `json:"assets"`
}

// GenerateSignature is generate(input_ids: int32[1, -1]) -> output_ids: int32[1, -1].
// The batch dimension is fixed at one and the sequence length is dynamic.
func GenerateSignature() Signature {
	return Signature{
		Name:    SignatureName,
		Inputs:  []TensorSpec{{Name: "input_ids", DType: "int32", Shape: []int64{1, -1}}},
		Outputs: []TensorSpec{{Name: "output_ids", DType: "int32", Shape: []int64{1, -1}}},
	}
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxLength:          MaxLength,
		DoSample:           DoSample,
		Temperature:        Temperature,
		TopP:               TopP,
		NumReturnSequences: NumReturnSequences,
	}
}

// ReadManifest loads the manifest of the saved-model directory dir.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading saved model manifest: %w", err)
	}
	manifest := &Manifest{}
	if err := json.Unmarshal(b, manifest); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ManifestFile, err)
	}
	if manifest.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported saved model format version %d", manifest.FormatVersion)
	}
	if _, ok := manifest.Signatures[SignatureName]; !ok {
		return nil, fmt.Errorf("saved model has no %s signature", SignatureName)
	}
	return manifest, nil
}

func writeManifest(dir string, manifest *Manifest) error {
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFile(fileutil.PathJoinSafe(dir, ManifestFile), b, "application/json")
}
