package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv(EnvAuthToken, "hf_env_token")
	o := Defaults()
	assert.Equal(t, "main", o.Download.Branch)
	assert.Equal(t, 5, o.Download.MaxRetries)
	assert.Equal(t, "hf_env_token", o.Download.AuthToken)
	assert.NotEmpty(t, o.ModelsDir)
}

func TestApply(t *testing.T) {
	o := Defaults()
	err := o.Apply(
		WithModelsDir("/tmp/models"),
		WithAuthToken("token"),
		WithBranch("v2"),
		WithMaxRetries(2),
		WithRetryInterval(0),
		WithConcurrentConnections(3),
		WithVerbose(),
	)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/models", o.ModelsDir)
	assert.Equal(t, DownloadOptions{
		AuthToken:             "token",
		Branch:                "v2",
		MaxRetries:            2,
		RetryInterval:         0,
		ConcurrentConnections: 3,
		Verbose:               true,
	}, o.Download)
}

func TestApplyRejectsInvalid(t *testing.T) {
	o := Defaults()
	assert.Error(t, o.Apply(WithMaxRetries(0)))
	assert.Error(t, o.Apply(WithBranch("")))
	assert.Error(t, o.Apply(WithModelsDir("")))
	assert.Error(t, o.Apply(WithRetryInterval(-1)))
	assert.Error(t, o.Apply(WithConcurrentConnections(0)))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"config.toml": `
model = "test/model"
output = "out/model.gguf"
quantize = false
branch = "dev"
max_retries = 2
`,
		"config.yaml": `
model: test/model
output: out/model.gguf
quantize: false
branch: dev
max_retries: 2
`,
		"config.json": `{"model": "test/model", "output": "out/model.gguf", "quantize": false, "branch": "dev", "max_retries": 2}`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			cfg, err := LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "test/model", cfg.Model)
			assert.Equal(t, "out/model.gguf", cfg.Output)
			require.NotNil(t, cfg.Quantize)
			assert.False(t, *cfg.Quantize)

			o := Defaults()
			require.NoError(t, o.Apply(cfg.Options()...))
			assert.Equal(t, "dev", o.Download.Branch)
			assert.Equal(t, 2, o.Download.MaxRetries)
			assert.Equal(t, 5, o.Download.RetryInterval)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile("")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("model=x"), 0o644))
	_, err = LoadFile(path)
	assert.ErrorContains(t, err, "unsupported config extension")

	path = filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}
