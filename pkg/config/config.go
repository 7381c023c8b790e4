// Package config loads the harness configuration from defaults, an optional
// YAML file, PGHARNESS_* environment variables and command line flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/isnastish/pgharness/pkg/harness"
	"github.com/isnastish/pgharness/pkg/sqlclient"
)

type Config struct {
	Image     ImageConfig        `yaml:"image" mapstructure:"image"`
	Runtime   RuntimeConfig      `yaml:"runtime" mapstructure:"runtime"`
	Client    ClientConfig       `yaml:"client" mapstructure:"client"`
	Readiness ReadinessConfig    `yaml:"readiness" mapstructure:"readiness"`
	Creation  CreationConfig     `yaml:"creation" mapstructure:"creation"`
	Registry  RegistryConfig     `yaml:"registry" mapstructure:"registry"`
	Postgres  PostgresConfig     `yaml:"postgres" mapstructure:"postgres"`
	Log       LogConfig          `yaml:"log" mapstructure:"log"`
	Scenarios []harness.Scenario `yaml:"scenarios" mapstructure:"scenarios"`
	// uid of the *_altuid scenarios of the default matrix, empty drops them
	AltUID string `yaml:"altUID" mapstructure:"altUID"`
}

type ImageConfig struct {
	Name       string `yaml:"name" mapstructure:"name"`
	Version    string `yaml:"version" mapstructure:"version"`
	Definition string `yaml:"definition" mapstructure:"definition"`
}

type RuntimeConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Binary string `yaml:"binary" mapstructure:"binary"`
	Host   string `yaml:"host" mapstructure:"host"`
}

type ClientConfig struct {
	Driver         string        `yaml:"driver" mapstructure:"driver"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" mapstructure:"connectTimeout"`
}

type ReadinessConfig struct {
	Attempts int           `yaml:"attempts" mapstructure:"attempts"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

type CreationConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type RegistryConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

type PostgresConfig struct {
	Port       int    `yaml:"port" mapstructure:"port"`
	ConfigFile string `yaml:"configFile" mapstructure:"configFile"`
	DataDir    string `yaml:"dataDir" mapstructure:"dataDir"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("image.name", "")
	v.SetDefault("image.version", "")
	v.SetDefault("image.definition", "")

	v.SetDefault("runtime.driver", "cli")
	v.SetDefault("runtime.binary", "docker")
	v.SetDefault("runtime.host", "")

	v.SetDefault("client.driver", "psql")
	v.SetDefault("client.connectTimeout", 5*time.Second)

	v.SetDefault("readiness.attempts", sqlclient.DefaultPoll.Attempts)
	v.SetDefault("readiness.interval", sqlclient.DefaultPoll.Interval)
	v.SetDefault("creation.timeout", harness.DefaultConfig.CreationTimeout)

	v.SetDefault("registry.dir", "")

	v.SetDefault("postgres.port", harness.DefaultConfig.Port)
	v.SetDefault("postgres.configFile", harness.DefaultConfig.ConfigFile)
	v.SetDefault("postgres.dataDir", harness.DefaultConfig.DataDir)

	v.SetDefault("log.level", "info")
	v.SetDefault("altUID", "12345")
}

// bindLegacyEnvVars maps the variables the shell test scripts were driven with.
func bindLegacyEnvVars(v *viper.Viper) {
	v.BindEnv("image.name", "PGHARNESS_IMAGE_NAME", "IMAGE_NAME")
	v.BindEnv("image.version", "PGHARNESS_IMAGE_VERSION", "VERSION")
}

// Flags maps command line flag names to configuration keys.
var Flags = map[string]string{
	"image":     "image.name",
	"version":   "image.version",
	"runtime":   "runtime.driver",
	"binary":    "runtime.binary",
	"client":    "client.driver",
	"log-level": "log.level",
}

// Load reads the configuration. An explicit path must exist, otherwise
// pgharness.yaml is looked up in the working directory and is optional.
// flags may be nil; a flag set on the command line wins over every other source.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PGHARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnvVars(v)

	if flags != nil {
		for name, key := range Flags {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, errors.Annotatef(err, "failed to bind flag %s", name)
				}
			}
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Annotatef(err, "config file %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "failed to read config file %s", path)
		}
	} else {
		v.SetConfigName("pgharness")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Annotatef(err, "failed to read config file")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Annotatef(err, "failed to unmarshal config")
	}
	if len(cfg.Scenarios) == 0 {
		cfg.Scenarios = harness.DefaultScenarios(cfg.AltUID)
	}
	return cfg, nil
}

// ImageRef joins the image name and version unless the name already carries a tag.
func (c *Config) ImageRef() string {
	name := c.Image.Name
	if c.Image.Version == "" || strings.Contains(name[strings.LastIndex(name, "/")+1:], ":") {
		return name
	}
	return name + ":" + c.Image.Version
}

func (c *Config) Harness() harness.Config {
	return harness.Config{
		Version:    c.Image.Version,
		Port:       c.Postgres.Port,
		ConfigFile: c.Postgres.ConfigFile,
		DataDir:    c.Postgres.DataDir,
		Readiness: sqlclient.Poll{
			Attempts: c.Readiness.Attempts,
			Interval: c.Readiness.Interval,
		},
		CreationTimeout: c.Creation.Timeout,
	}
}

// SelectScenarios keeps the scenarios named in names, all of them when names is empty.
func (c *Config) SelectScenarios(names []string) ([]harness.Scenario, error) {
	if len(names) == 0 {
		return c.Scenarios, nil
	}
	byName := make(map[string]harness.Scenario, len(c.Scenarios))
	for _, sc := range c.Scenarios {
		byName[sc.Name] = sc
	}
	selected := make([]harness.Scenario, 0, len(names))
	for _, name := range names {
		sc, ok := byName[name]
		if !ok {
			return nil, errors.NotFoundf("scenario %s", name)
		}
		selected = append(selected, sc)
	}
	return selected, nil
}

func (c *Config) Validate() error {
	if c.Image.Name == "" {
		return errors.NotValidf("image name %q", c.Image.Name)
	}
	switch c.Runtime.Driver {
	case "cli", "engine":
	default:
		return errors.NotValidf("runtime driver %q", c.Runtime.Driver)
	}
	switch c.Client.Driver {
	case "psql", "pgx":
	default:
		return errors.NotValidf("client driver %q", c.Client.Driver)
	}
	if c.Readiness.Attempts <= 0 {
		return errors.NotValidf("readiness attempts %d", c.Readiness.Attempts)
	}
	if c.Readiness.Interval <= 0 {
		return errors.NotValidf("readiness interval %s", c.Readiness.Interval)
	}
	if c.Creation.Timeout <= 0 {
		return errors.NotValidf("creation timeout %s", c.Creation.Timeout)
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return errors.NotValidf("postgres port %d", c.Postgres.Port)
	}

	seen := make(map[string]bool, len(c.Scenarios))
	for _, sc := range c.Scenarios {
		if sc.Name == "" || strings.ContainsAny(sc.Name, `/\ `) {
			return errors.NotValidf("scenario name %q", sc.Name)
		}
		if seen[sc.Name] {
			return errors.NotValidf("duplicate scenario %s", sc.Name)
		}
		seen[sc.Name] = true
		if err := sc.Settings.Validate(); err != nil {
			return errors.Annotatef(err, "scenario %s", sc.Name)
		}
	}
	return nil
}
