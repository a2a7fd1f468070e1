// Package config layers defaults, a config file, DEEPVOICE_* environment
// variables and command-line flags into a Config.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Server   ServerConfig  `mapstructure:"server"`
	HParams  HParams       `mapstructure:"hparams"`
}

type PathsConfig struct {
	DataRoot      string `mapstructure:"data_root"`
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	LogEventPath  string `mapstructure:"log_event_path"`
	// Lexicon is an optional CMUdict-style pronunciation dictionary.
	Lexicon string `mapstructure:"lexicon"`
}

type RuntimeConfig struct {
	// Engine is the command line of the model engine subprocess.
	Engine         string `mapstructure:"engine"`
	ONNXManifest   string `mapstructure:"onnx_manifest"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// Workers bounds concurrent synthesis requests.
	Workers         int `mapstructure:"workers"`
	MaxTextBytes    int `mapstructure:"max_text_bytes"`
	RequestTimeout  int `mapstructure:"request_timeout"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
	// Overrides is a "key=value,key=value" list applied to HParams last.
	Overrides string
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			DataRoot:      "data/ljspeech",
			CheckpointDir: "checkpoints",
			LogEventPath:  "",
			Lexicon:       "",
		},
		Runtime: RuntimeConfig{
			Engine:         "",
			ONNXManifest:   "models/manifest.json",
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			Workers:         1,
			MaxTextBytes:    4096,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		HParams: DefaultHParams(),
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("data-root", defaults.Paths.DataRoot, "Directory containing train.txt and feature files")
	fs.String("checkpoint-dir", defaults.Paths.CheckpointDir, "Directory checkpoints are written to")
	fs.String("log-event-path", defaults.Paths.LogEventPath, "Directory for event logs and diagnostics (default log/run-<timestamp>)")
	fs.String("lexicon", defaults.Paths.Lexicon, "Pronunciation dictionary used when replace_pronunciation_prob > 0")
	fs.String("engine", defaults.Runtime.Engine, "Model engine command line")
	fs.String("onnx-manifest", defaults.Runtime.ONNXManifest, "Path to the ONNX graph manifest")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("listen", defaults.Server.ListenAddr, "HTTP listen address for serve")
	fs.Int("server-workers", defaults.Server.Workers, "Concurrent synthesis requests served")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Largest accepted request text in bytes")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("DEEPVOICE")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "DEEPVOICE_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("deepvoice")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if err := applyOverrides(v, opts.Overrides); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.HParams.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.data_root", c.Paths.DataRoot)
	v.SetDefault("paths.checkpoint_dir", c.Paths.CheckpointDir)
	v.SetDefault("paths.log_event_path", c.Paths.LogEventPath)
	v.SetDefault("paths.lexicon", c.Paths.Lexicon)
	v.SetDefault("runtime.engine", c.Runtime.Engine)
	v.SetDefault("runtime.onnx_manifest", c.Runtime.ONNXManifest)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)

	for key, value := range c.HParams.Map() {
		v.SetDefault("hparams."+key, value)
	}
}

// flagKeys maps the flags RegisterFlags defines to their config keys. Other
// flags on the command (--config, --hparams, subcommand options) never reach
// viper, so a flag name cannot shadow a config section.
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"data-root":        "paths.data_root",
	"checkpoint-dir":   "paths.checkpoint_dir",
	"log-event-path":   "paths.log_event_path",
	"lexicon":          "paths.lexicon",
	"engine":           "runtime.engine",
	"onnx-manifest":    "runtime.onnx_manifest",
	"ort-lib":          "runtime.ort_library_path",
	"ort-version":      "runtime.ort_version",
	"listen":           "server.listen_addr",
	"server-workers":   "server.workers",
	"max-text-bytes":   "server.max_text_bytes",
	"request-timeout":  "server.request_timeout",
	"shutdown-timeout": "server.shutdown_timeout",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// ParseOverrides splits "a=1,b=x" into key/value pairs. Keys are trimmed and
// lowercased; a value may be empty.
func ParseOverrides(s string) ([][2]string, error) {
	var out [][2]string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" {
			return nil, fmt.Errorf("hparams: malformed override %q (want key=value)", part)
		}
		out = append(out, [2]string{key, strings.TrimSpace(value)})
	}
	return out, nil
}

func applyOverrides(v *viper.Viper, s string) error {
	pairs, err := ParseOverrides(s)
	if err != nil {
		return err
	}

	known := DefaultHParams().Map()
	for _, kv := range pairs {
		key := kv[0]
		base, _, nested := strings.Cut(key, ".")
		if _, ok := known[base]; !ok || (nested && base != "lr_schedule_kwargs") {
			return fmt.Errorf("hparams: unknown hyperparameter %q", key)
		}
		v.Set("hparams."+key, kv[1])
	}
	return nil
}
