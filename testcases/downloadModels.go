package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knights-analytics/hugolite"
	"github.com/knights-analytics/hugolite/options"
	"github.com/knights-analytics/hugolite/util/fileutil"
)

// download the integration test models and convert each of them once.

type downloadModel struct {
	name     string
	quantize bool
}

var models = []downloadModel{
	{name: "HuggingFaceTB/SmolLM2-135M-Instruct", quantize: true},
	{name: "Qwen/Qwen2.5-0.5B-Instruct", quantize: true},
	{name: "google/gemma-3-1b-it", quantize: false},
}

func main() {
	ctx := context.Background()
	modelsDir := "./models"
	if ok, err := fileutil.FileExists(modelsDir); err == nil {
		if !ok {
			err = os.MkdirAll(modelsDir, os.ModePerm)
			if err != nil {
				panic(err)
			}
		}
	} else {
		panic(err)
	}

	session, err := hugolite.NewSession(options.WithModelsDir(modelsDir))
	if err != nil {
		panic(err)
	}
	for _, model := range models {
		if os.Getenv("CI") != "" && model.name == "google/gemma-3-1b-it" {
			continue // gated, needs HF_TOKEN
		}
		output := filepath.Join(modelsDir, "converted", hugolite.ModelFolderName(model.name)+".gguf")
		if ok, err := fileutil.FileExists(output); err == nil {
			if !ok {
				fmt.Printf("Converting %s\n", model.name)
				paths, convertErr := session.ConvertModel(ctx, model.name, output, model.quantize)
				if convertErr != nil {
					panic(convertErr)
				}
				fmt.Printf("Converted %s to %s\n", model.name, paths.Output)
			}
		} else {
			panic(err)
		}
	}
}
