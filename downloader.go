package hugolite

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/hugolite/options"
	"github.com/knights-analytics/hugolite/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// downloadAssets are the repository files fetched next to the weights.
var downloadAssets = []string{
	"config.json",
	"generation_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
	"model.safetensors.index.json",
}

// DownloadCompleteFile is written into a model folder once every file of the download is copied.
const DownloadCompleteFile = ".download_complete.json"

type downloadRecord struct {
	Model  string   `json:"model"`
	Branch string   `json:"branch"`
	Files  []string `json:"files"`
}

func markDownloaded(modelPath, modelName, branch string, files []string) error {
	b, err := json.Marshal(downloadRecord{Model: modelName, Branch: branch, Files: files})
	if err != nil {
		return err
	}
	return fileutil.WriteFile(fileutil.PathJoinSafe(modelPath, DownloadCompleteFile), b, "application/json")
}

// ModelFolderName is the folder a hub model is stored in under the models folder.
func ModelFolderName(modelName string) string {
	// replicates code in hf downloader
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	return strings.ReplaceAll(modelP, "/", "_")
}

// DownloadModel can be used to download a model directly from huggingface. Before the model is downloaded,
// validation occurs to ensure there is a config.json, a tokenizer.json and safetensors weights.
func DownloadModel(ctx context.Context, modelName string, destination string, options options.DownloadOptions) (string, error) {
	modelPath := fileutil.PathJoinSafe(destination, ModelFolderName(modelName))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(ctx, repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Err(downloadErr).Int("attempt", i+1).Int("max", options.MaxRetries).Str("model", modelName).Msg("download attempt failed")
			if err := sleep(ctx, options.RetryInterval); err != nil {
				return "", err
			}
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			moveErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j])))
			if moveErr != nil {
				return "", moveErr
			}
		}

		if err := markDownloaded(modelPath, modelName, options.Branch, downloadFiles); err != nil {
			return "", err
		}
		log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func validateDownloadHfModel(ctx context.Context, repo *hub.Repo, options options.DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max", options.MaxRetries).Msg("list repo attempt failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		if err := sleep(ctx, options.RetryInterval); err != nil {
			return nil, err
		}
	}

	var fileNames []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		fileNames = append(fileNames, fileName)
	}
	return selectDownloadFiles(fileNames)
}

// selectDownloadFiles picks the configuration, tokenizer and safetensors files at the root of a
// repository listing.
func selectDownloadFiles(fileNames []string) ([]string, error) {
	var toDownload []string
	var hasConfig, hasTokenizer, hasWeights bool
	for _, fileName := range fileNames {
		if strings.Contains(fileName, "/") {
			continue
		}
		switch {
		case slices.Contains(downloadAssets, fileName):
			hasConfig = hasConfig || fileName == "config.json"
			hasTokenizer = hasTokenizer || fileName == "tokenizer.json"
			toDownload = append(toDownload, fileName)
		case filepath.Ext(fileName) == ".safetensors":
			hasWeights = true
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error
	if !hasConfig {
		errs = append(errs, errors.New("model does not have a config.json file"))
	}
	if !hasTokenizer {
		errs = append(errs, errors.New("model does not have a tokenizer.json file"))
	}
	if !hasWeights {
		errs = append(errs, errors.New("model does not have .safetensors weights, only safetensors checkpoints can be converted"))
	}
	slices.Sort(toDownload)
	return toDownload, errors.Join(errs...)
}

func sleep(ctx context.Context, seconds int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds) * time.Second):
		return nil
	}
}
