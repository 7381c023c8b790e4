package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, name := range []string{"IMAGE_NAME", "VERSION", "PGHARNESS_IMAGE_NAME", "PGHARNESS_IMAGE_VERSION", "PGHARNESS_RUNTIME_DRIVER"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "cli", cfg.Runtime.Driver)
	assert.Equal(t, "docker", cfg.Runtime.Binary)
	assert.Equal(t, "psql", cfg.Client.Driver)
	assert.Equal(t, 10, cfg.Readiness.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Readiness.Interval)
	assert.Equal(t, 60*time.Second, cfg.Creation.Timeout)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "/var/lib/pgsql/openshift-custom-postgresql.conf", cfg.Postgres.ConfigFile)
	assert.Equal(t, "/var/lib/pgsql/data", cfg.Postgres.DataDir)
	assert.Len(t, cfg.Scenarios, 6)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image name")
}

func TestLoadLegacyEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("IMAGE_NAME", "quay.io/sclorg/postgresql-16-c9s")
	t.Setenv("VERSION", "16")
	t.Setenv("PGHARNESS_RUNTIME_DRIVER", "engine")
	t.Setenv("PGHARNESS_READINESS_INTERVAL", "500ms")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "quay.io/sclorg/postgresql-16-c9s:16", cfg.ImageRef())
	assert.Equal(t, "engine", cfg.Runtime.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Readiness.Interval)
	assert.Equal(t, "16", cfg.Harness().Version)
}

func TestLoadFileAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGHARNESS_CLIENT_DRIVER", "pgx")

	path := filepath.Join(t.TempDir(), "pgharness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
image:
  name: localhost/postgresql:latest
runtime:
  binary: podman
readiness:
  attempts: 5
scenarios:
  - name: custom
    uid: "1001"
    settings:
      user: alice
      password: secret
      database: shop
      maxConnections: 10
`), 0600))

	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.String("client", "", "")
	flags.String("image", "", "")
	require.NoError(t, flags.Parse([]string{"--client", "psql"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost/postgresql:latest", cfg.ImageRef())
	assert.Equal(t, "podman", cfg.Runtime.Binary)
	assert.Equal(t, "psql", cfg.Client.Driver, "flag wins over environment")
	assert.Equal(t, 5, cfg.Readiness.Attempts)

	require.Len(t, cfg.Scenarios, 1)
	sc := cfg.Scenarios[0]
	assert.Equal(t, "custom", sc.Name)
	assert.Equal(t, "1001", sc.UID)
	assert.Equal(t, "alice", sc.Settings.User)
	assert.Equal(t, 10, sc.Settings.MaxConnections)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	t.Setenv("IMAGE_NAME", "postgresql")
	base, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"runtime driver", func(c *Config) { c.Runtime.Driver = "lxc" }},
		{"client driver", func(c *Config) { c.Client.Driver = "jdbc" }},
		{"attempts", func(c *Config) { c.Readiness.Attempts = 0 }},
		{"interval", func(c *Config) { c.Readiness.Interval = 0 }},
		{"creation timeout", func(c *Config) { c.Creation.Timeout = -time.Second }},
		{"port", func(c *Config) { c.Postgres.Port = 70000 }},
		{"duplicate scenario", func(c *Config) { c.Scenarios = append(c.Scenarios, c.Scenarios[0]) }},
		{"scenario name", func(c *Config) { c.Scenarios[0].Name = "no admin" }},
		{"scenario settings", func(c *Config) { c.Scenarios[0].Settings.Database = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			cfg.Scenarios = append(cfg.Scenarios[:0:0], base.Scenarios...)
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSelectScenarios(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	all, err := cfg.SelectScenarios(nil)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	selected, err := cfg.SelectScenarios([]string{"only_admin", "admin_altuid"})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "only_admin", selected[0].Name)
	assert.Equal(t, "12345", selected[1].UID)

	_, err = cfg.SelectScenarios([]string{"nope"})
	assert.True(t, errors.IsNotFound(err))
}

func TestImageRef(t *testing.T) {
	tests := []struct {
		name, version, want string
	}{
		{"postgresql", "", "postgresql"},
		{"postgresql", "16", "postgresql:16"},
		{"postgresql:15", "16", "postgresql:15"},
		{"localhost:5000/postgresql", "16", "localhost:5000/postgresql:16"},
	}
	for _, tc := range tests {
		cfg := &Config{Image: ImageConfig{Name: tc.name, Version: tc.version}}
		assert.Equal(t, tc.want, cfg.ImageRef())
	}
}
