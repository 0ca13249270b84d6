package main

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

type config struct {
	Server  serverConfig  `koanf:"server"`
	Log     logConfig     `koanf:"log"`
	Metrics metricsConfig `koanf:"metrics"`
	Scaling scalingConfig `koanf:"scaling"`
	Apps    []appConfig   `koanf:"apps"`
}

type serverConfig struct {
	Addr            string        `koanf:"addr"`
	MaxRequestSize  int64         `koanf:"max_request_size"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type logConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

type metricsConfig struct {
	Addr string        `koanf:"addr"`
	Tick time.Duration `koanf:"tick"`
}

type scalingConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Channel  string `koanf:"channel"`
}

type appConfig struct {
	ID                 string   `koanf:"id"`
	Key                string   `koanf:"key"`
	Secret             string   `koanf:"secret"`
	AllowedOrigins     []string `koanf:"allowed_origins"`
	ActivityTimeout    int      `koanf:"activity_timeout"`
	PongTimeout        int      `koanf:"pong_timeout"`
	MaxMessageSize     int64    `koanf:"max_message_size"`
	MaxConnections     int      `koanf:"max_connections"`
	MaxPresenceMembers int      `koanf:"max_presence_members"`
	ClientEvents       string   `koanf:"client_events"`
	Strict             bool     `koanf:"strict"`
}

func defaultConfig() config {
	return config{
		Server: serverConfig{
			Addr:            ":8080",
			MaxRequestSize:  10000,
			SweepInterval:   5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: logConfig{
			Format: "json",
			Level:  "info",
		},
		Scaling: scalingConfig{
			Addr:    "127.0.0.1:6379",
			Channel: "pushhub",
		},
	}
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"metrics-addr": "metrics.addr",
}

// loadConfig reads the YAML file at path (if any) and then applies flags
// from fs (if any) on top of it.
func loadConfig(path string, fs *pflag.FlagSet) (config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return config{}, oops.Code(codeConfigInvalid).With("path", path).Wrapf(err, "reading config")
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return config{}, oops.Code(codeConfigInvalid).Wrapf(err, "reading flags")
		}
	}

	cfg := defaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return config{}, oops.Code(codeConfigInvalid).Wrapf(err, "decoding config")
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	errb := oops.Code(codeConfigInvalid)
	if c.Server.Addr == "" {
		return errb.Errorf("server.addr is required")
	}
	if c.Server.SweepInterval <= 0 {
		return errb.With("sweep_interval", c.Server.SweepInterval).Errorf("server.sweep_interval must be positive")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return errb.With("format", c.Log.Format).Errorf("log.format must be json or text")
	}
	if c.Scaling.Enabled && (c.Scaling.Addr == "" || c.Scaling.Channel == "") {
		return errb.Errorf("scaling requires addr and channel")
	}
	if len(c.Apps) == 0 {
		return errb.Errorf("at least one app must be configured")
	}
	return nil
}
