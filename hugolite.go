// Package hugolite converts Hugging Face causal language models into a single GGUF file that
// on-device runtimes can load, together with a JSON vocabulary sidecar.
package hugolite

import (
	"context"
	"io"

	"github.com/phuslu/log"

	"github.com/knights-analytics/hugolite/backends"
	"github.com/knights-analytics/hugolite/convert"
	"github.com/knights-analytics/hugolite/export"
	"github.com/knights-analytics/hugolite/options"
)

// Fetcher resolves a model identifier to a loaded model.
type Fetcher interface {
	Fetch(ctx context.Context, modelName string) (*backends.Model, error)
}

// Exporter writes the vocabulary sidecar and the saved-model directory.
type Exporter interface {
	SaveVocabulary(ctx context.Context, model *backends.Model, path string) error
	Export(ctx context.Context, model *backends.Model, dir string) error
}

// Converter turns a saved-model directory into the serialized mobile model.
type Converter interface {
	Convert(ctx context.Context, dir string, opts convert.Options) (io.WriterTo, error)
}

// Writer persists the converted model.
type Writer interface {
	Write(ctx context.Context, path string, artifact io.WriterTo) error
}

// Session runs conversions. The collaborators default to the hub, export, convert and file
// implementations and can be replaced before calling ConvertModel.
type Session struct {
	Fetcher   Fetcher
	Exporter  Exporter
	Converter Converter
	Writer    Writer
	options   *options.Options
}

// NewSession creates a session with the given options applied over the defaults.
func NewSession(opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	if err := parsedOptions.Apply(opts...); err != nil {
		return nil, err
	}
	return &Session{
		Fetcher:   &hubFetcher{options: parsedOptions, download: DownloadModel},
		Exporter:  exportAdapter{},
		Converter: convertAdapter{},
		Writer:    fileWriter{},
		options:   parsedOptions,
	}, nil
}

// Options returns the options the session was created with.
func (s *Session) Options() options.Options {
	return *s.options
}

// ConvertModel fetches modelName, exports its vocabulary and saved model next to outputPath,
// converts the saved model and writes it to outputPath. The first failing step aborts the run
// and its error is returned wrapped in a StepError. The returned Paths are valid even on error.
func (s *Session) ConvertModel(ctx context.Context, modelName string, outputPath string, quantize bool) (Paths, error) {
	paths := DerivePaths(outputPath)

	log.Info().Str("model", modelName).Msg("fetching model")
	model, err := s.Fetcher.Fetch(ctx, modelName)
	if err != nil {
		return paths, &StepError{Step: "fetch", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return paths, err
	}
	log.Info().Str("path", paths.Vocabulary).Msg("saving vocabulary")
	if err := s.Exporter.SaveVocabulary(ctx, model, paths.Vocabulary); err != nil {
		return paths, &StepError{Step: "save vocabulary", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return paths, err
	}
	log.Info().Str("dir", paths.SavedModel).Msg("exporting saved model")
	if err := s.Exporter.Export(ctx, model, paths.SavedModel); err != nil {
		return paths, &StepError{Step: "export", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return paths, err
	}
	log.Info().Bool("quantize", quantize).Msg("converting saved model")
	artifact, err := s.Converter.Convert(ctx, paths.SavedModel, convert.NewOptions(quantize))
	if err != nil {
		return paths, &StepError{Step: "convert", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return paths, err
	}
	log.Info().Str("path", paths.Output).Msg("writing model")
	if err := s.Writer.Write(ctx, paths.Output, artifact); err != nil {
		return paths, &StepError{Step: "write", Err: err}
	}

	log.Info().Str("model", modelName).Str("output", paths.Output).Str("vocabulary", paths.Vocabulary).Msg("conversion completed")
	return paths, nil
}

type exportAdapter struct{}

func (exportAdapter) SaveVocabulary(ctx context.Context, model *backends.Model, path string) error {
	return export.SaveVocabulary(ctx, model, path)
}

func (exportAdapter) Export(ctx context.Context, model *backends.Model, dir string) error {
	_, err := export.Export(ctx, model, dir)
	return err
}

type convertAdapter struct{}

func (convertAdapter) Convert(ctx context.Context, dir string, opts convert.Options) (io.WriterTo, error) {
	artifact, err := convert.Convert(ctx, dir, opts)
	if err != nil {
		return nil, err
	}
	return artifact, nil
}
