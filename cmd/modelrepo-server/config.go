package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type serverConfig struct {
	HTTPAddr         string   `mapstructure:"http_addr"`
	GRPCAddr         string   `mapstructure:"grpc_addr"`
	ModelRepository  string   `mapstructure:"model_repository"`
	DBPath           string   `mapstructure:"db_path"`
	LoadModels       []string `mapstructure:"load_models"`
	RestoreOverrides bool     `mapstructure:"restore_overrides"`
	AuthEnabled      bool     `mapstructure:"auth_enabled"`
	AllowOrigin      string   `mapstructure:"allow_origin"`
	ActivitySize     int      `mapstructure:"activity_size"`
	LogLevel         string   `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8000")
	v.SetDefault("grpc_addr", ":8001")
	v.SetDefault("model_repository", "./models")
	v.SetDefault("db_path", "modelrepo.db")
	v.SetDefault("load_models", []string{})
	v.SetDefault("restore_overrides", true)
	v.SetDefault("auth_enabled", false)
	v.SetDefault("allow_origin", "*")
	v.SetDefault("activity_size", 300)
	v.SetDefault("log_level", "info")
}

// loadConfig merges defaults, an optional YAML file, MODELREPO_* variables
// and explicitly set flags, in increasing precedence.
func loadConfig(path string, flags *pflag.FlagSet) (serverConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("MODELREPO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return serverConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		flags.VisitAll(func(f *pflag.Flag) {
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return serverConfig{}, fmt.Errorf("decode config: %w", err)
	}
	// Comma separated lists from the environment arrive as one element.
	if len(cfg.LoadModels) == 1 && strings.Contains(cfg.LoadModels[0], ",") {
		cfg.LoadModels = strings.Split(cfg.LoadModels[0], ",")
	}
	for i := range cfg.LoadModels {
		cfg.LoadModels[i] = strings.TrimSpace(cfg.LoadModels[i])
	}
	return cfg, cfg.validate()
}

func (c serverConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http_addr is required")
	}
	if strings.TrimSpace(c.ModelRepository) == "" {
		return errors.New("model_repository is required")
	}
	return nil
}
