package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mirai3103/sandbox-runner/internal/models"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "submission.created", cfg.NATS.SubmissionCreatedSubj)
	require.Equal(t, "direct", cfg.Runner.SandboxType)
	require.Equal(t, 20, cfg.Pool.MaxSessions)
	require.Contains(t, cfg.Languages, models.Python)
	require.Equal(t, models.SQL, cfg.Kernels["sql"])
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
pool:
  maxSessions: 3
  idleTimeoutSec: 5
languages:
  python:
    runCommand: "python3.12 {source_file}"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("RUNNER_POOL_TTLSEC", "42")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Pool.MaxSessions)
	require.Equal(t, 5, cfg.Pool.IdleTimeoutSec)
	require.Equal(t, 42, cfg.Pool.TTLSec)

	py := cfg.Languages[models.Python]
	require.Equal(t, "python3.12 {source_file}", py.RunCommand)
	require.Equal(t, "main.py", py.SourceFile, "unset override fields keep defaults")
	require.Equal(t, 10, py.TimeoutCeilingSec)
}

func TestMergeLanguagesAddsNewProfile(t *testing.T) {
	merged := MergeLanguages(DefaultLanguages(), map[models.LanguageID]models.LanguageProfile{
		"ruby": {SourceFile: "main.rb", RunCommand: "ruby {source_file}", TimeoutCeilingSec: 3},
	})
	require.Equal(t, models.LanguageID("ruby"), merged["ruby"].ID)
	require.False(t, merged["ruby"].Compiled())
	require.True(t, merged[models.Cpp].Compiled())
}
