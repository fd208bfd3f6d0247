package hugolite

import (
	"context"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/hugolite/backends"
	"github.com/knights-analytics/hugolite/options"
	"github.com/knights-analytics/hugolite/util/fileutil"
)

type hubFetcher struct {
	options  *options.Options
	download func(ctx context.Context, modelName string, destination string, options options.DownloadOptions) (string, error)
}

// Fetch resolves modelName with this chain: an existing local folder is used as is, then a model
// previously downloaded to the models folder, and finally a download from the hub.
func (f *hubFetcher) Fetch(ctx context.Context, modelName string) (*backends.Model, error) {
	modelPath, err := f.resolve(ctx, modelName)
	if err != nil {
		return nil, err
	}
	return backends.LoadModel(ctx, modelName, modelPath)
}

func (f *hubFetcher) resolve(ctx context.Context, modelName string) (string, error) {
	// is the model a full path to a model
	ok, err := fileutil.FileExists(modelName)
	if err != nil {
		return "", err
	}
	if ok {
		return modelName, nil
	}

	// is the model the name of a model previously downloaded. Folders of interrupted downloads
	// have no completion record and are downloaded again.
	downloaded := fileutil.PathJoinSafe(f.options.ModelsDir, ModelFolderName(modelName))
	ok, err = fileutil.FileExists(fileutil.PathJoinSafe(downloaded, DownloadCompleteFile))
	if err != nil {
		return "", err
	}
	if ok {
		log.Debug().Str("path", downloaded).Msg("using previously downloaded model")
		return downloaded, nil
	}

	// is the model the name of a model to download
	modelPath, err := f.download(ctx, modelName, f.options.ModelsDir, f.options.Download)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrModelNotFound, modelName, err)
	}
	return modelPath, nil
}
