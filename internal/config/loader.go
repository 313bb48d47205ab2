// Package config loads qsweep's layered configuration: defaults, the user
// config file, QSWEEP_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "QSWEEP"

// ConfigFileEnv names an explicit config file, bypassing discovery.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

// Config is the resolved application configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Artifacts ArtifactConfig  `mapstructure:"artifacts"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Server    ServerConfig    `mapstructure:"server"`

	// DataDir holds the run registry and the submission ledger.
	DataDir string `mapstructure:"data_dir"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SchedulerConfig names the submit binaries per dialect. Manifests may
// override the command for a single sweep.
type SchedulerConfig struct {
	PBSCommand   string        `mapstructure:"pbs_command"`
	SlurmCommand string        `mapstructure:"slurm_command"`
	ExtraArgs    []string      `mapstructure:"extra_args"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type ArtifactConfig struct {
	ScratchDir string `mapstructure:"scratch_dir"`
}

type ExecutionConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rate_limit"`
}

// ArchiveConfig enables uploading finished runs. Target is "s3://bucket/prefix"
// or a directory; empty disables archiving.
type ArchiveConfig struct {
	Target         string `mapstructure:"target"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load resolves the configuration and makes it available through GetConfig.
// Each overrides map is nested like the config file and wins over every
// other layer.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	file, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values no command could use.
func (c *Config) Validate() error {
	var errs []error
	if c.Execution.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("execution.concurrency must be >= 0, got %d", c.Execution.Concurrency))
	}
	if c.Execution.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("execution.rate_limit must be >= 0, got %g", c.Execution.RateLimit))
	}
	if c.Scheduler.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.timeout must be positive, got %s", c.Scheduler.Timeout))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("scheduler.pbs_command", "qsub")
	v.SetDefault("scheduler.slurm_command", "sbatch")
	v.SetDefault("scheduler.extra_args", []string{})
	v.SetDefault("scheduler.timeout", "60s")

	v.SetDefault("artifacts.scratch_dir", "")

	v.SetDefault("execution.concurrency", 0)
	v.SetDefault("execution.rate_limit", 0.0)

	v.SetDefault("archive.target", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("data_dir", defaultDataDir())
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_DATA_DIR", Path: "data_dir"},
		{Name: EnvPrefix + "_PBS_COMMAND", Path: "scheduler.pbs_command"},
		{Name: EnvPrefix + "_SLURM_COMMAND", Path: "scheduler.slurm_command"},
		{Name: EnvPrefix + "_SUBMIT_ARGS", Path: "scheduler.extra_args"},
		{Name: EnvPrefix + "_SUBMIT_TIMEOUT", Path: "scheduler.timeout"},
		{Name: EnvPrefix + "_SCRATCH_DIR", Path: "artifacts.scratch_dir"},
		{Name: EnvPrefix + "_CONCURRENCY", Path: "execution.concurrency"},
		{Name: EnvPrefix + "_RATE_LIMIT", Path: "execution.rate_limit"},
		{Name: EnvPrefix + "_ARCHIVE", Path: "archive.target"},
		{Name: EnvPrefix + "_ARCHIVE_REGION", Path: "archive.region"},
		{Name: EnvPrefix + "_ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: EnvPrefix + "_ARCHIVE_PROFILE", Path: "archive.profile"},
		{Name: EnvPrefix + "_ARCHIVE_PATH_STYLE", Path: "archive.force_path_style"},
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	}
}

// readConfigFile reads the explicit file named by QSWEEP_CONFIG or, failing
// that, the first config.yaml found in the user config locations.
func readConfigFile(v *viper.Viper) (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(ConfigFileEnv)); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, p := range getUserConfigPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

// appName names the config and data directories under the XDG base dirs.
const appName = "qsweep"

func getUserConfigPaths() []string {
	var paths []string
	if dir := gfconfig.GetAppConfigDir(appName); dir != "" {
		paths = append(paths, filepath.Join(dir, "config.yaml"))
	}
	return paths
}

func defaultDataDir() string {
	if dir := gfconfig.GetAppDataDir(appName); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), appName)
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
