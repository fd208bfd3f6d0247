package options

import (
	"errors"
	"fmt"
	"os"

	"github.com/knights-analytics/hugolite/util/fileutil"
)

// EnvAuthToken is read for the hub token when none is configured.
const EnvAuthToken = "HF_TOKEN"

type Options struct {
	Download  DownloadOptions
	ModelsDir string
}

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.AuthToken = os.Getenv(EnvAuthToken)
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

func Defaults() *Options {
	return &Options{
		Download:  NewDownloadOptions(),
		ModelsDir: DefaultModelsDir(),
	}
}

// DefaultModelsDir is $HOME/hugolite/models, or a relative models folder when there is no home.
func DefaultModelsDir() string {
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return fileutil.PathJoinSafe(userDir, "hugolite", "models")
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithModelsDir sets the folder downloaded models are stored in and looked up from.
func WithModelsDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return errors.New("models folder cannot be empty")
		}
		o.ModelsDir = dir
		return nil
	}
}

// WithAuthToken sets the token used for gated or private hub repositories.
func WithAuthToken(token string) WithOption {
	return func(o *Options) error {
		o.Download.AuthToken = token
		return nil
	}
}

// WithBranch sets the hub revision to download.
func WithBranch(branch string) WithOption {
	return func(o *Options) error {
		if branch == "" {
			return errors.New("branch cannot be empty")
		}
		o.Download.Branch = branch
		return nil
	}
}

// WithMaxRetries sets how many times listing and downloading are attempted.
func WithMaxRetries(retries int) WithOption {
	return func(o *Options) error {
		if retries < 1 {
			return fmt.Errorf("max retries must be at least 1, got %d", retries)
		}
		o.Download.MaxRetries = retries
		return nil
	}
}

// WithRetryInterval sets the pause between download attempts, in seconds.
func WithRetryInterval(seconds int) WithOption {
	return func(o *Options) error {
		if seconds < 0 {
			return fmt.Errorf("retry interval cannot be negative, got %d", seconds)
		}
		o.Download.RetryInterval = seconds
		return nil
	}
}

// WithConcurrentConnections sets the number of files downloaded in parallel.
func WithConcurrentConnections(n int) WithOption {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("concurrent connections must be at least 1, got %d", n)
		}
		o.Download.ConcurrentConnections = n
		return nil
	}
}

// WithVerbose enables download progress output.
func WithVerbose() WithOption {
	return func(o *Options) error {
		o.Download.Verbose = true
		return nil
	}
}

// Apply applies opts in order on top of o.
func (o *Options) Apply(opts ...WithOption) error {
	for _, option := range opts {
		if err := option(o); err != nil {
			return err
		}
	}
	return nil
}
