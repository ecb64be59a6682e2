package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
lake_root: /tmp/lake
state_dsn: ./state.db
sources:
  - name: github_issues
    kind: http.github
    destination: bronze/github/issues
    checkpoint_key: updated_at
    options:
      owner: acme
      repo: widgets
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/lake", cfg.LakeRoot)
	assert.Equal(t, "./state.db", cfg.StateDSN)
	assert.Equal(t, "ingest_date", cfg.DefaultPartition)
	require.Len(t, cfg.Sources, 1)

	src := cfg.Sources[0]
	assert.Equal(t, "github_issues", src.Name)
	assert.Equal(t, "http.github", src.Kind)
	assert.Equal(t, "bronze/github/issues", src.Destination)
	assert.Equal(t, "updated_at", src.CheckpointKey)
	assert.Equal(t, "acme", src.Options["owner"])
}

func TestLoadDefaultsStateDSN(t *testing.T) {
	cfg, err := Load(writeConfig(t, "lake_root: /tmp/lake\n"))
	require.NoError(t, err)
	assert.Equal(t, "./pipeline_state.db", cfg.StateDSN)
}

func TestLoadStateDSNFromEnv(t *testing.T) {
	t.Setenv("PIPELINE_STATE_DB", "/var/run/pipeline.db")
	cfg, err := Load(writeConfig(t, "lake_root: /tmp/lake\n"))
	require.NoError(t, err)
	assert.Equal(t, "/var/run/pipeline.db", cfg.StateDSN)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing lake root",
			cfg:  Config{},
			want: "lake_root",
		},
		{
			name: "empty source name",
			cfg: Config{LakeRoot: "/l", Sources: []Source{
				{Kind: "http.github", Destination: "d"},
			}},
			want: "empty name",
		},
		{
			name: "duplicate source name",
			cfg: Config{LakeRoot: "/l", Sources: []Source{
				{Name: "a", Kind: "http.github", Destination: "d"},
				{Name: "a", Kind: "http.github", Destination: "d"},
			}},
			want: "duplicate",
		},
		{
			name: "missing kind",
			cfg: Config{LakeRoot: "/l", Sources: []Source{
				{Name: "a", Destination: "d"},
			}},
			want: "no kind",
		},
		{
			name: "missing destination",
			cfg: Config{LakeRoot: "/l", Sources: []Source{
				{Name: "a", Kind: "http.github"},
			}},
			want: "no destination",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	explicit := writeConfig(t, sampleConfig)

	path, err := Resolve(explicit)
	require.NoError(t, err)
	assert.Equal(t, explicit, path)

	_, err = Resolve(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	envPath := writeConfig(t, sampleConfig)
	t.Setenv("PIPELINE_CONFIG_PATH", envPath)
	path, err = Resolve("")
	require.NoError(t, err)
	assert.Equal(t, envPath, path)

	t.Setenv("PIPELINE_CONFIG_PATH", "")
	path, err = Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", path)
}

func TestHashStableAndSensitive(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, cfg.Hash(), cfg.Hash())

	other := *cfg
	other.LakeRoot = "/tmp/other"
	assert.NotEqual(t, cfg.Hash(), other.Hash())
}
