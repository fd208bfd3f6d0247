package options

import (
	"fmt"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/hugolite/util/fileutil"
)

// FileConfig is the on-disk configuration accepted by the command line tool.
// Zero values mean "unspecified"; flags given on the command line take precedence.
type FileConfig struct {
	Model                 string `json:"model" yaml:"model" toml:"model"`
	Output                string `json:"output" yaml:"output" toml:"output"`
	Quantize              *bool  `json:"quantize" yaml:"quantize" toml:"quantize"`
	ModelsDir             string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	AuthToken             string `json:"auth_token" yaml:"auth_token" toml:"auth_token"`
	Branch                string `json:"branch" yaml:"branch" toml:"branch"`
	MaxRetries            int    `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	RetryInterval         int    `json:"retry_interval" yaml:"retry_interval" toml:"retry_interval"`
	ConcurrentConnections int    `json:"concurrent_connections" yaml:"concurrent_connections" toml:"concurrent_connections"`
	Verbose               bool   `json:"verbose" yaml:"verbose" toml:"verbose"`
	LogLevel              string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// LoadFile reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func LoadFile(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = jsoniter.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Options turns the set fields of the file into option functions.
func (c FileConfig) Options() []WithOption {
	var opts []WithOption
	if c.ModelsDir != "" {
		opts = append(opts, WithModelsDir(c.ModelsDir))
	}
	if c.AuthToken != "" {
		opts = append(opts, WithAuthToken(c.AuthToken))
	}
	if c.Branch != "" {
		opts = append(opts, WithBranch(c.Branch))
	}
	if c.MaxRetries != 0 {
		opts = append(opts, WithMaxRetries(c.MaxRetries))
	}
	if c.RetryInterval != 0 {
		opts = append(opts, WithRetryInterval(c.RetryInterval))
	}
	if c.ConcurrentConnections != 0 {
		opts = append(opts, WithConcurrentConnections(c.ConcurrentConnections))
	}
	if c.Verbose {
		opts = append(opts, WithVerbose())
	}
	return opts
}
