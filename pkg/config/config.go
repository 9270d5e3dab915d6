package config

import (
	"net"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is loaded from the working directory if no other config file was specified
const DefaultFile = "assetsys.toml"

// Config describes all configuration options
type Config struct {
	Script   string `toml:"script" usage:"Task script to load (tasks.star is searched in the working directory and its parents if empty)"`
	Debug    bool   `toml:"debug" default:"false" usage:"Include stack traces in error messages"`
	Progress bool   `toml:"progress" default:"false" usage:"Show a progress bar during builds"`
	Log      struct {
		Level string `toml:"level" default:"info"`
		File  string `toml:"file"`
		JSON  bool   `toml:"json" default:"false" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	HTTP struct {
		Address  string `toml:"address" default:"127.0.0.1:3000" usage:"Address the dev server listens on"`
		Disabled bool   `toml:"disabled" default:"false" usage:"Don't start the dev server during watch"`
	} `toml:"http"`
	Watch struct {
		Debounce time.Duration `toml:"debounce" default:"300ms" usage:"Delay between the last change and the rebuild"`
	} `toml:"watch"`
	Lint struct {
		Strict bool `toml:"strict" default:"false" usage:"Fail lint tasks if errors were found"`
	} `toml:"lint"`
	Sass struct {
		Binary string `toml:"binary" usage:"Path to the dart-sass executable"`
	} `toml:"sass"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Flags are handled by
// the CLI, the loader only reads defaults, the config files and ASSETSYS_* environment variables.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	if len(files) == 0 {
		files = []string{DefaultFile}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "ASSETSYS",
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration and validates it
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Watch.Debounce <= 0 {
		return eris.Errorf(`Invalid value for watch.debounce: %s (must be positive)`, cfg.Watch.Debounce)
	}

	if !cfg.HTTP.Disabled {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Address); err != nil {
			return eris.Wrapf(err, `Invalid value for http.address: %s`, cfg.HTTP.Address)
		}
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
