package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	LogLevel    string `mapstructure:"log_level"`
	Port        int    `mapstructure:"port"`
	PeerID      string `mapstructure:"peer_id"`
	EventBuffer int    `mapstructure:"event_buffer"`

	Signal  SignalConfig  `mapstructure:"signal"`
	ICE     ICEConfig     `mapstructure:"ice"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Redial  RedialConfig  `mapstructure:"redial"`
	Devices DevicesConfig `mapstructure:"devices"`
}

type SignalConfig struct {
	URL          string        `mapstructure:"url"`
	Room         string        `mapstructure:"room"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	MissedPongs  int           `mapstructure:"missed_pongs"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ICEConfig struct {
	Servers             []string      `mapstructure:"servers"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAlive           time.Duration `mapstructure:"keepalive"`
	IncludeLoopback     bool          `mapstructure:"include_loopback"`
}

type AudioConfig struct {
	// Capture selects the input backend: "microphone" or "silence".
	Capture      string `mapstructure:"capture"`
	InputDevice  string `mapstructure:"input_device"`
	OutputDevice string `mapstructure:"output_device"`
	OutputDir    string `mapstructure:"output_dir"`
}

type RedialConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
	Delay  time.Duration `mapstructure:"delay"`
}

type DevicesConfig struct {
	RefreshDebounce time.Duration `mapstructure:"refresh_debounce"`
}

func configFile() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VIBIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 7070)
	v.SetDefault("peer_id", "")
	v.SetDefault("event_buffer", 64)

	v.SetDefault("signal.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("signal.room", "lobby")
	v.SetDefault("signal.ping_period", "15s")
	v.SetDefault("signal.missed_pongs", 3)
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.write_timeout", "5s")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.disconnected_timeout", "30s")
	v.SetDefault("ice.failed_timeout", "120s")
	v.SetDefault("ice.keepalive", "2s")
	v.SetDefault("ice.include_loopback", false)

	v.SetDefault("audio.capture", "microphone")
	v.SetDefault("audio.input_device", "default")
	v.SetDefault("audio.output_device", "default")
	v.SetDefault("audio.output_dir", "./recordings")

	v.SetDefault("redial.limit", 3)
	v.SetDefault("redial.window", "1m")
	v.SetDefault("redial.delay", "2s")

	v.SetDefault("devices.refresh_debounce", "500ms")
	return v
}

// read loads the file if present and decodes the result. found reports
// whether the file was read.
func read(v *viper.Viper) (cfg *Config, found bool, err error) {
	fileName := v.ConfigFileUsed()
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		found = true
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, found, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, found, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("room", cfg.Signal.Room).
		Str("capture", cfg.Audio.Capture).
		Msg("config ready")
	return cfg, found, nil
}

func (c *Config) validate() error {
	switch c.Audio.Capture {
	case "microphone", "silence":
	default:
		return fmt.Errorf("audio.capture: unknown backend %q", c.Audio.Capture)
	}
	if c.Signal.Room == "" {
		return fmt.Errorf("signal.room must not be empty")
	}
	return nil
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
// VIBIN_* environment variables override both.
func Load() (*Config, error) {
	cfg, _, err := read(newViper(configFile()))
	return cfg, err
}

// LoadAndWatch is Load plus a file watch; onChange receives every revision
// that parses and validates.
func LoadAndWatch(onChange func(*Config)) (*Config, error) {
	v := newViper(configFile())
	cfg, found, err := read(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return cfg, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed")
		next := &Config{}
		if err := v.Unmarshal(next); err != nil {
			log.Error().Str("module", "config").Err(err).Msg("reload parse failed, keeping previous config")
			return
		}
		if err := next.validate(); err != nil {
			log.Error().Str("module", "config").Err(err).Msg("reload rejected")
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
