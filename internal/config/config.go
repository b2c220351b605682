// Package config loads service configuration through viper: defaults,
// then an optional maxprobectl.yaml, then MAXPROBE_* environment
// variables, then command-line flags bound by the cmd package.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved service configuration.
type Config struct {
	BindHost  string   `mapstructure:"bind_host"`
	Port      int      `mapstructure:"port"`
	PortTries int      `mapstructure:"port_tries"`
	ProbeBin  string   `mapstructure:"probe_bin"`
	OutBases  []string `mapstructure:"out_bases"`
	StateDir  string   `mapstructure:"state_dir"`
	DBPath    string   `mapstructure:"db_path"`

	// APIToken guards /api/* and /download/* when set. An empty token
	// leaves the API open; that is an explicit operator choice for
	// single-user router deployments, not a default-secure posture.
	APIToken string `mapstructure:"api_token"`

	StopGrace time.Duration `mapstructure:"stop_grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_host", "127.0.0.1")
	v.SetDefault("port", 8088)
	v.SetDefault("port_tries", 20)
	v.SetDefault("probe_bin", "/opt/bin/keenetic-maxprobe")
	v.SetDefault("out_bases", []string{"/var/tmp"})
	v.SetDefault("state_dir", "/var/run/maxprobectl")
	v.SetDefault("db_path", "")
	v.SetDefault("api_token", "")
	v.SetDefault("stop_grace", 5*time.Second)
}

// Load resolves configuration. A missing config file is fine; a malformed
// one is an error the caller surfaces.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAXPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("maxprobectl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/opt/etc")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if len(cfg.OutBases) == 0 {
		cfg.OutBases = []string{"/var/tmp"}
	}
	return &cfg, nil
}
