package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/hugolite"
	"github.com/knights-analytics/hugolite/convert"
	"github.com/knights-analytics/hugolite/options"
	"github.com/knights-analytics/hugolite/util/checks"
	"github.com/knights-analytics/hugolite/util/fileutil"
	"github.com/knights-analytics/hugolite/util/logutil"
)

const (
	defaultModel  = "google/gemma-3b-4b-it"
	defaultOutput = "gemma-3b-4b-it.gguf"
)

var modelName string
var outputPath string
var noQuantize bool
var configPath string
var modelsDir string
var authToken string
var branch string
var logLevel string
var verbose bool

// maxArrayValues is how many elements of an array value inspect prints.
const maxArrayValues = 8

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model identifier on the hub, or path to a local model folder",
			Aliases:     []string{"m"},
			Destination: &modelName,
			Value:       defaultModel,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to a .toml, .yaml or .json configuration file. Flags take precedence over it",
			Aliases:     []string{"c"},
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/hugolite/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Hub token for gated or private models",
			EnvVars:     []string{options.EnvAuthToken},
			Destination: &authToken,
		},
		&cli.StringFlag{
			Name:        "branch",
			Usage:       "Hub revision to download",
			Destination: &branch,
			Value:       "main",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level: trace, debug, info, warn or error",
			Destination: &logLevel,
			Value:       "info",
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Show download progress",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	}
}

func convertFlags() []cli.Flag {
	return append(modelFlags(),
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path of the converted model. The vocabulary and saved model are written next to it",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       defaultOutput,
		},
		&cli.BoolFlag{
			Name:        "no-quantize",
			Usage:       "Keep all weights in float32",
			Destination: &noQuantize,
		},
	)
}

// setup merges the configuration file under the flags, configures logging and returns the
// session options.
func setup(ctx *cli.Context) ([]options.WithOption, error) {
	var cfg options.FileConfig
	if configPath != "" {
		var err error
		cfg, err = options.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		if !ctx.IsSet("model") && cfg.Model != "" {
			modelName = cfg.Model
		}
		if !ctx.IsSet("output") && cfg.Output != "" {
			outputPath = cfg.Output
		}
		if !ctx.IsSet("no-quantize") && cfg.Quantize != nil {
			noQuantize = !*cfg.Quantize
		}
		if !ctx.IsSet("log-level") && cfg.LogLevel != "" {
			logLevel = cfg.LogLevel
		}
	}
	logutil.Setup(logLevel, os.Stderr)

	opts := cfg.Options()
	if modelsDir != "" {
		opts = append(opts, options.WithModelsDir(modelsDir))
	}
	if ctx.IsSet("token") {
		opts = append(opts, options.WithAuthToken(authToken))
	}
	if ctx.IsSet("branch") || cfg.Branch == "" {
		opts = append(opts, options.WithBranch(branch))
	}
	if verbose {
		opts = append(opts, options.WithVerbose())
	}
	return opts, nil
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a model from the hub without converting it",
	Flags: modelFlags(),
	Action: func(ctx *cli.Context) error {
		opts, err := setup(ctx)
		if err != nil {
			return err
		}
		session, err := hugolite.NewSession(opts...)
		if err != nil {
			return err
		}
		sessionOptions := session.Options()
		if err := fileutil.CreateFile(sessionOptions.ModelsDir, true); err != nil {
			return err
		}
		modelPath, err := hugolite.DownloadModel(ctx.Context, modelName, sessionOptions.ModelsDir, sessionOptions.Download)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, modelPath)
		return err
	},
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "Print the metadata and tensors of a converted model",
	ArgsUsage: "<model.gguf>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("inspect expects one model path, got %d arguments", ctx.NArg())
		}
		r, err := fileutil.OpenFile(ctx.Args().First())
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := fileutil.CloseFile(r); closeErr != nil {
				log.Warn().Err(closeErr).Msg("closing model")
			}
		}()
		f, err := convert.ReadGGUF(r)
		if err != nil {
			return err
		}
		printGGUF(ctx.App.Writer, f)
		return nil
	},
}

func printGGUF(out io.Writer, f *convert.File) {
	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var kvData [][]string
	for _, k := range keys {
		kvData = append(kvData, []string{k, formatValue(f.KV[k])})
	}
	fmt.Fprintf(out, "GGUF v%d, %d metadata keys, %d tensors\n\n", f.Version, len(f.KV), len(f.Tensors))
	renderTable(out, []string{"KEY", "VALUE"}, kvData)
	fmt.Fprint(out, "\n")

	var tensorData [][]string
	for _, t := range f.Tensors {
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = fmt.Sprint(d)
		}
		tensorData = append(tensorData, []string{t.Name, t.Kind.String(), "[" + strings.Join(dims, " ") + "]", fmt.Sprint(t.Offset)})
	}
	renderTable(out, []string{"TENSOR", "TYPE", "SHAPE", "OFFSET"}, tensorData)
}

func renderTable(out io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []string:
		return formatSlice(v)
	case []int32:
		return formatSlice(v)
	case []uint32:
		return formatSlice(v)
	case []float32:
		return formatSlice(v)
	case string:
		if len(v) > 64 {
			return fmt.Sprintf("%q...", v[:64])
		}
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprint(v)
	}
}

func formatSlice[T any](s []T) string {
	if len(s) <= maxArrayValues {
		return fmt.Sprint(s)
	}
	return fmt.Sprintf("%v... (%d values)", s[:maxArrayValues], len(s))
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "hugolite",
		Usage: "Convert huggingface causal language models to a single on-device model file",
		Description: `Without a sub-command, the model is fetched, its vocabulary is written to <output stem>_vocab.json,
				the model is exported to <output stem>_saved_model and converted into the output file.
				--model is resolved with this chain: first use the provided path. If the path does not exist, look for a model
				with this name in the models folder. Finally, try to download the model from Huggingface and use it.
				`,
		Flags:    convertFlags(),
		Commands: []*cli.Command{downloadCommand, inspectCommand},
		Action: func(ctx *cli.Context) error {
			opts, err := setup(ctx)
			if err != nil {
				return err
			}
			session, err := hugolite.NewSession(opts...)
			if err != nil {
				return err
			}
			_, err = session.ConvertModel(ctx.Context, modelName, outputPath, !noQuantize)
			return err
		},
	}
}

func main() {
	checks.CheckWithMessage(newApp().Run(os.Args), "hugolite failed")
}
