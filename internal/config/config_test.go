package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, used, err := Load(Options{SearchDirs: []string{dir}, SkipDotEnv: true, Overrides: map[string]any{"data_dir": dir}})
	require.NoError(t, err)
	require.Empty(t, used)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "file", cfg.Transcripts.Backend)
	require.Equal(t, "namespaced", cfg.Transcripts.Layout)
	require.Equal(t, filepath.Join(dir, "transcripts"), cfg.Transcripts.Dir)
	require.Equal(t, "sqlite", cfg.Catalog.Driver)
	require.Equal(t, filepath.Join(dir, "parley.db"), cfg.Catalog.Path)
	require.Equal(t, "partial", cfg.Engine.CommitPolicy)
	require.Equal(t, 5*time.Minute, cfg.Engine.RequestTimeout)
	require.Equal(t, 64, cfg.Engine.SinkBuffer)
	require.Equal(t, "memory", cfg.Events.Backend)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoadFileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "parley.yaml"), `
data_dir: `+dir+`
log:
  level: debug
  format: json
transcripts:
  backend: redis
  redis:
    addr: 10.0.0.1:6379
catalog:
  driver: memory
engine:
  request_timeout: 30s
sources:
  - id: local
    api: ollama
    base_url: http://localhost:11434/v1
    model: llama3
  - id: openai
    api: openai
    api_key_env: PARLEY_TEST_OPENAI_KEY
`)
	t.Setenv("PARLEY_ENGINE_COMMIT_POLICY", "discard")
	t.Setenv("PARLEY_TEST_OPENAI_KEY", "sk-test")

	cfg, used, err := Load(Options{
		SearchDirs: []string{dir},
		SkipDotEnv: true,
		Overrides:  map[string]any{"log.level": "warn"},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "parley.yaml"), used)

	require.Equal(t, "warn", cfg.Log.Level, "overrides beat the file")
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "redis", cfg.Transcripts.Backend)
	require.Equal(t, "10.0.0.1:6379", cfg.Transcripts.Redis.Addr)
	require.Equal(t, "parley", cfg.Transcripts.Redis.Prefix)
	require.Equal(t, "memory", cfg.Catalog.Driver)
	require.Empty(t, cfg.Catalog.Path)
	require.Equal(t, "discard", cfg.Engine.CommitPolicy, "environment beats defaults")
	require.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout)

	require.Len(t, cfg.Sources, 2)
	require.Equal(t, "llama3", cfg.Sources[0].Model)
	require.Equal(t, "sk-test", cfg.Sources[1].ResolvedAPIKey())
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, _, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.yaml"), SkipDotEnv: true})
	require.Error(t, err)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]any{
		"transcripts backend": {"transcripts.backend": "s3"},
		"layout":              {"transcripts.layout": "flat"},
		"catalog driver":      {"catalog.driver": "postgres"},
		"events backend":      {"events.backend": "kafka"},
		"commit policy":       {"engine.commit_policy": "sometimes"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Load(Options{SearchDirs: []string{t.TempDir()}, SkipDotEnv: true, Overrides: overrides})
			require.Error(t, err)
		})
	}
}

func TestValidateRejectsDuplicateSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "parley.yaml"), `
sources:
  - id: a
    api: openai
  - id: a
    api: deepseek
`)
	_, _, err := Load(Options{SearchDirs: []string{dir}, SkipDotEnv: true})
	require.ErrorContains(t, err, "duplicate source id")
}

func TestLoadDotEnvFromParent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".env"), `
# comment
export PARLEY_DOTENV_A="from-file"
PARLEY_DOTENV_B='kept'
not a pair
`)
	child := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(child, 0o755))
	t.Setenv("PARLEY_DOTENV_B", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("PARLEY_DOTENV_A") })

	path, err := LoadDotEnv(child)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, ".env"), path)
	require.Equal(t, "from-file", os.Getenv("PARLEY_DOTENV_A"))
	require.Equal(t, "from-env", os.Getenv("PARLEY_DOTENV_B"), "existing variables win")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".parley"), expandHome("~/.parley"))
	require.Equal(t, "/abs", expandHome("/abs"))
}
