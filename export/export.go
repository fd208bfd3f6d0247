// Package export writes a model behind the fixed generate signature into a self-contained
// saved-model directory, and writes its vocabulary sidecar.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/phuslu/log"

	"github.com/knights-analytics/hugolite/backends"
	"github.com/knights-analytics/hugolite/util/fileutil"
)

// ErrUnsupportedOperation is returned when the model cannot be traced behind the generate signature.
var ErrUnsupportedOperation = errors.New("unsupported operation")

var supportedDTypes = []string{"F32", "F16", "BF16"}

// probeText is encoded during tracing to check the tokenizer produces in-range ids.
const probeText = "hello world"

// SaveVocabulary writes the token to id mapping of the model tokenizer as a JSON object to path.
// An existing file is replaced.
func SaveVocabulary(ctx context.Context, model *backends.Model, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if model.Tokenizer == nil {
		return errors.New("model has no tokenizer")
	}
	b, err := json.Marshal(model.Tokenizer.VocabularyMap())
	if err != nil {
		return err
	}
	return fileutil.WriteFile(path, b, "application/json")
}

// Export traces model behind the generate signature and serializes it into dir, replacing
// any existing directory.
func Export(ctx context.Context, model *backends.Model, dir string) (*Manifest, error) {
	if err := trace(model); err != nil {
		return nil, err
	}

	exists, err := fileutil.FileExists(dir)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Debug().Str("dir", dir).Msg("replacing existing saved model")
		if err := fileutil.DeleteFile(dir); err != nil {
			return nil, err
		}
	}

	manifest := &Manifest{
		FormatVersion: FormatVersion,
		ModelName:     model.Name,
		Architecture:  model.Config.Architecture(),
		ModelType:     model.Config.ModelType,
		Signatures:    map[string]Signature{SignatureName: GenerateSignature()},
		Generation:    DefaultGenerationConfig(),
	}

	copies := []struct {
		files  []string
		subdir string
		target *[]string
	}{
		{model.WeightFiles, VariablesDir, &manifest.Variables},
		{model.AssetFiles, AssetsDir, &manifest.Assets},
	}
	for _, c := range copies {
		if err := fileutil.CreateFile(fileutil.PathJoinSafe(dir, c.subdir), true); err != nil {
			return nil, err
		}
		for _, f := range c.files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			log.Debug().Str("file", f).Str("to", c.subdir).Msg("copying")
			if err := fileutil.CopyFile(ctx, fileutil.PathJoinSafe(model.Path, f), fileutil.PathJoinSafe(dir, c.subdir, f)); err != nil {
				return nil, fmt.Errorf("copying %s: %w", f, err)
			}
			*c.target = append(*c.target, f)
		}
	}

	if err := writeManifest(dir, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// trace checks that the model exposes a causal generation head, stores weights the converter
// can read, and that its tokenizer yields ids in range for the int32 signature.
func trace(model *backends.Model) error {
	if !model.Config.IsGenerative() {
		return fmt.Errorf("%w: architecture %q has no generation entry point", ErrUnsupportedOperation, model.Config.Architecture())
	}

	fsys := fileutil.NewFS(model.Path)
	for _, f := range model.SafetensorFiles() {
		infos, err := backends.ReadSafetensors(fsys, f)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if !slices.Contains(supportedDTypes, info.DType) {
				return fmt.Errorf("%w: tensor %s has dtype %s", ErrUnsupportedOperation, info.Name, info.DType)
			}
		}
	}

	if model.Tokenizer == nil || model.Tokenizer.GoTokenizer == nil {
		log.Debug().Msg("no go tokenizer available, skipping probe encoding")
		return nil
	}
	ids, err := model.Tokenizer.GoTokenizer.Encode(probeText)
	if err != nil {
		return fmt.Errorf("probe encoding: %w", err)
	}
	vocabSize := max(int(model.Config.TextVocabSize()), len(model.Tokenizer.Tokens))
	for _, id := range ids {
		if id < 0 || id >= vocabSize || int64(id) > math.MaxInt32 {
			return fmt.Errorf("%w: token id %d outside int32 vocabulary of size %d", ErrUnsupportedOperation, id, vocabSize)
		}
	}
	return nil
}
