package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/clickmon/clickmon/internal/types"
	"github.com/clickmon/clickmon/internal/utils"
)

// Values for use_global_custom_queries, mirroring the agent convention:
// "true" replaces instance queries with the global list when one is
// defined, "extend" appends it, "false" ignores it.
const (
	UseGlobalTrue   = "true"
	UseGlobalFalse  = "false"
	UseGlobalExtend = "extend"
)

// Load reads, validates and normalizes the configuration file.
func Load(path string) (types.Config, error) {
	var cfg types.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshaling YAML")
	}

	if len(cfg.Instances) == 0 {
		return cfg, errors.New("at least one instance is required")
	}

	applyDefaults(&cfg)

	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Server == "" {
			return cfg, errors.Errorf("instance %d: server is required", i)
		}
		if inst.ConnectTimeout < 0 || inst.ReadTimeout < 0 || inst.PingTimeout < 0 {
			return cfg, errors.Errorf("instance %d: timeouts cannot be negative", i)
		}
		if inst.MinCollectionInterval <= 0 {
			return cfg, errors.Errorf("instance %d: min_collection_interval must be positive", i)
		}
		switch inst.UseGlobalCustomQueries {
		case UseGlobalTrue, UseGlobalFalse, UseGlobalExtend:
		default:
			return cfg, errors.Errorf("instance %d: use_global_custom_queries must be true, false or extend", i)
		}
	}

	if cfg.GlobalConfig.RetryConnInterval < 0 {
		return cfg, errors.New("retry_conn_interval cannot be negative")
	}

	if err := decryptCredentials(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *types.Config) {
	g := &cfg.GlobalConfig
	if g.StatsdAddr == "" {
		g.StatsdAddr = "127.0.0.1:8125"
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = 30
	}
	if g.RetryConnInterval == 0 {
		g.RetryConnInterval = 60
	}
	if g.RateLimitRequests == 0 {
		g.RateLimitRequests = 100
	}
	if g.RateLimitBurst == 0 {
		g.RateLimitBurst = 50
	}

	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Port == 0 {
			inst.Port = 9000
		}
		if inst.DB == "" {
			inst.DB = "default"
		}
		if inst.User == "" {
			inst.User = "default"
		}
		if inst.ConnectTimeout == 0 {
			inst.ConnectTimeout = 10
		}
		if inst.ReadTimeout == 0 {
			inst.ReadTimeout = 10
		}
		if inst.PingTimeout == 0 {
			inst.PingTimeout = 5
		}
		if inst.MinCollectionInterval == 0 {
			inst.MinCollectionInterval = 15
		}
		if inst.UseGlobalCustomQueries == "" {
			inst.UseGlobalCustomQueries = UseGlobalTrue
		}
	}
}

// decryptCredentials enforces encrypted credentials outside development:
// passwords must be AES-GCM encrypted with the configured key.
func decryptCredentials(cfg *types.Config) error {
	env := cfg.GlobalConfig.Env
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "production"
		logrus.Warn("Environment not specified in config or ENV; defaulting to production")
	}
	isDev := env == "development"

	if cfg.GlobalConfig.EncryptionKey == "" {
		if !isDev {
			return errors.New("encryption_key must be set in production")
		}
		return nil
	}

	key := []byte(cfg.GlobalConfig.EncryptionKey)
	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Password == "" {
			continue
		}
		if decrypted, err := utils.Decrypt(key, inst.Password); err == nil {
			inst.Password = decrypted
		} else if !isDev {
			return errors.Wrapf(err, "decrypting password for instance %d", i)
		}
	}
	if cfg.BasicAuth.Password != "" {
		if decrypted, err := utils.Decrypt(key, cfg.BasicAuth.Password); err == nil {
			cfg.BasicAuth.Password = decrypted
		} else if !isDev {
			return errors.Wrap(err, "decrypting basic_auth.password")
		}
	}
	return nil
}

// ResolveCustomQueries merges instance and global custom queries per the
// instance's use_global_custom_queries setting and deduplicates the
// result. Runs exactly once per collector initialization.
func ResolveCustomQueries(instance types.Instance, init types.InitConfig) []types.CustomQuery {
	merged := make([]types.CustomQuery, 0, len(instance.CustomQueries)+len(init.GlobalCustomQueries))
	switch instance.UseGlobalCustomQueries {
	case UseGlobalExtend:
		merged = append(merged, instance.CustomQueries...)
		merged = append(merged, init.GlobalCustomQueries...)
	case UseGlobalFalse:
		merged = append(merged, instance.CustomQueries...)
	default:
		if len(init.GlobalCustomQueries) > 0 {
			merged = append(merged, init.GlobalCustomQueries...)
		} else {
			merged = append(merged, instance.CustomQueries...)
		}
	}
	return Dedupe(merged)
}

// Dedupe collapses value-equal custom queries, preserving the order of
// first occurrence.
func Dedupe(specs []types.CustomQuery) []types.CustomQuery {
	seen := make(map[string]struct{}, len(specs))
	unique := make([]types.CustomQuery, 0, len(specs))
	for _, spec := range specs {
		key, err := json.Marshal(spec)
		if err != nil {
			// Not reachable for plain config structs; keep the entry.
			unique = append(unique, spec)
			continue
		}
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		unique = append(unique, spec)
	}
	return unique
}
