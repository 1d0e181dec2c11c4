package config

import (
	"os"
	"time"

	"codeberg.org/mutker/powerlog/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// ConfigEnvVar overrides the configuration file location.
	ConfigEnvVar = "POWERLOG_CONFIG"

	defaultPowerInterval   = 5 * time.Second
	defaultWeatherInterval = 5 * time.Minute
	defaultWeatherTimeout  = 10 * time.Second
	defaultWeatherURL      = "https://api.openweathermap.org/data/2.5/weather"
	defaultOutputPath      = "/var/lib/powerlog/records.csv"
	defaultRailTimeout     = 10 * time.Second
	defaultFritzURL        = "https://192.168.178.1"
	defaultFoxESSURL       = "https://www.foxesscloud.com"
)

// Rail reader types.
const (
	RailINA219 = "ina219"
	RailFritz  = "fritz"
	RailFoxESS = "foxess"
)

// Rail describes a single monitored power source. Type selects the
// reader: "ina219" (default) reads a device on an I2C bus, "fritz"
// polls a FRITZ!Box smart plug over AHA-HTTP, "foxess" queries the
// FoxESS cloud for inverter readings.
type Rail struct {
	Label string `mapstructure:"label"`
	Type  string `mapstructure:"type"`

	// ina219
	Bus          string  `mapstructure:"bus"`
	Address      uint16  `mapstructure:"address"`
	ExpectedAmps float64 `mapstructure:"expected_amps"`

	// fritz and foxess
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// fritz
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	AIN      string `mapstructure:"ain"`

	// foxess
	APIKey     string   `mapstructure:"api_key"`
	InverterID string   `mapstructure:"inverter_id"`
	Variables  []string `mapstructure:"variables"`
}

func (r *Rail) applyDefaults() {
	if r.Type == "" {
		r.Type = RailINA219
	}
	if r.Timeout <= 0 {
		r.Timeout = defaultRailTimeout
	}
	if r.URL == "" {
		switch r.Type {
		case RailFritz:
			r.URL = defaultFritzURL
		case RailFoxESS:
			r.URL = defaultFoxESSURL
		}
	}
}

// Weather holds the remote observation source settings.
type Weather struct {
	URL       string        `mapstructure:"url"`
	Latitude  float64       `mapstructure:"latitude"`
	Longitude float64       `mapstructure:"longitude"`
	AppID     string        `mapstructure:"app_id"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// MaxAge bounds how old a cached observation may be before records
	// report weather as absent. Zero means no bound.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// Sink holds the record store settings. Output is the CSV stream;
// Database optionally mirrors records into an SQLite file.
type Sink struct {
	Output   string `mapstructure:"output"`
	Database string `mapstructure:"database"`
}

type Config struct {
	PowerInterval   time.Duration `mapstructure:"power_interval"`
	WeatherInterval time.Duration `mapstructure:"weather_interval"`
	Monitor         bool          `mapstructure:"monitor"`
	Debug           bool          `mapstructure:"debug"`
	Verbose         bool          `mapstructure:"verbose"`
	Rails           []Rail        `mapstructure:"rails"`
	Weather         Weather       `mapstructure:"weather"`
	Sink            Sink          `mapstructure:"sink"`
}

// Load reads configuration from flags, the environment override and the
// config file, then validates the result.
func Load() (*Config, error) {
	return LoadWithArgs(os.Args[1:])
}

// LoadWithArgs is Load with an explicit argument list.
func LoadWithArgs(args []string) (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("powerlog", pflag.ContinueOnError)
	configPath := flags.String("config", "", "Path to the configuration file")
	debug := flags.Bool("debug", false, "Enable debugging mode")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	monitor := flags.Bool("monitor", false, "Log records instead of persisting them")
	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetConfigName("powerlog")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")

	if env := os.Getenv(ConfigEnvVar); env != "" {
		v.SetConfigFile(env)
	}
	if *configPath != "" {
		v.SetConfigFile(*configPath)
	}

	v.SetDefault("power_interval", defaultPowerInterval)
	v.SetDefault("weather_interval", defaultWeatherInterval)
	v.SetDefault("weather.url", defaultWeatherURL)
	v.SetDefault("weather.timeout", defaultWeatherTimeout)
	v.SetDefault("sink.output", defaultOutputPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	// Flags win over file values.
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "debug":
			v.Set("debug", *debug)
		case "verbose":
			v.Set("verbose", *verbose)
		case "monitor":
			v.Set("monitor", *monitor)
		}
	})

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	for i := range cfg.Rails {
		cfg.Rails[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.PowerInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "power_interval must be positive")
	}
	if c.WeatherInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "weather_interval must be positive")
	}
	if len(c.Rails) == 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "at least one rail must be configured")
	}

	seen := make(map[string]bool, len(c.Rails))
	for _, rail := range c.Rails {
		if rail.Label == "" {
			return errFactory.WithData(errors.ErrInvalidConfig, "rail label must not be empty")
		}
		if seen[rail.Label] {
			return errFactory.WithData(errors.ErrInvalidConfig, "duplicate rail label: "+rail.Label)
		}
		seen[rail.Label] = true
		if err := rail.validate(); err != nil {
			return err
		}
	}

	if c.Weather.AppID == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "weather.app_id is required")
	}
	if c.Weather.Timeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "weather.timeout must be positive")
	}
	if c.Weather.MaxAge < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "weather.max_age must not be negative")
	}

	if !c.Monitor && c.Sink.Output == "" {
		return errFactory.WithData(errors.ErrMissingConfig, "sink.output is required")
	}

	return nil
}

func (r *Rail) validate() error {
	errFactory := errors.New()

	switch r.Type {
	case "", RailINA219:
		if r.Bus == "" {
			return errFactory.WithData(errors.ErrInvalidConfig, "rail "+r.Label+" has no bus")
		}
		// 7-bit addressing; 0x00-0x02 and 0x78-0x7f are reserved.
		if r.Address < 0x03 || r.Address > 0x77 {
			return errFactory.WithData(errors.ErrInvalidConfig, "rail "+r.Label+" needs a 7-bit device address")
		}
		if r.ExpectedAmps <= 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "rail "+r.Label+" needs a positive expected_amps")
		}
	case RailFritz:
		if r.User == "" || r.Password == "" {
			return errFactory.WithData(errors.ErrMissingConfig, "rail "+r.Label+" needs fritz credentials")
		}
		if r.AIN == "" {
			return errFactory.WithData(errors.ErrMissingConfig, "rail "+r.Label+" needs the plug's ain")
		}
	case RailFoxESS:
		if r.APIKey == "" {
			return errFactory.WithData(errors.ErrMissingConfig, "rail "+r.Label+" needs an api_key")
		}
		if r.InverterID == "" {
			return errFactory.WithData(errors.ErrMissingConfig, "rail "+r.Label+" needs an inverter_id")
		}
		if len(r.Variables) != 3 {
			return errFactory.WithData(errors.ErrInvalidConfig, "rail "+r.Label+" needs exactly three variables (voltage, current, power)")
		}
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "rail "+r.Label+" has unknown type "+r.Type)
	}

	return nil
}

// RailLabels returns the configured rail labels in configuration order.
func (c *Config) RailLabels() []string {
	labels := make([]string, len(c.Rails))
	for i, rail := range c.Rails {
		labels[i] = rail.Label
	}
	return labels
}
