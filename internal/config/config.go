// Package config loads environment configuration from the process
// environment and optional .env files.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fluentbuilder/internal/artifacts"
	"fluentbuilder/internal/core"
)

// Config is the environment layer. CLI flags override every field.
type Config struct {
	Network string
	RPCURL  string
	ChainID uint64

	RPCTimeout     time.Duration
	CompileTimeout time.Duration

	CacheDir       string
	RwasmConverter string
	LogLevel       string
	LockDrift      string

	SourceDateEpoch string

	S3 artifacts.S3Config
}

// Load reads the given .env files (default ".env"; missing files are
// ignored) and layers the process environment on top of them.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	fileVals := map[string]string{}
	for _, f := range envFiles {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "reading %s", f)
		}
		for k, v := range vals {
			if _, seen := fileVals[k]; !seen {
				fileVals[k] = v
			}
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	})
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	cfg := &Config{
		Network:         get("FLUENT_NETWORK"),
		RPCURL:          get("FLUENT_RPC_URL"),
		CacheDir:        get("FLUENT_CACHE_DIR"),
		RwasmConverter:  get("FLUENT_RWASM_CONVERTER"),
		LogLevel:        get("FLUENT_LOG_LEVEL"),
		LockDrift:       get("FLUENT_LOCK_DRIFT"),
		SourceDateEpoch: get("SOURCE_DATE_EPOCH"),
		S3: artifacts.S3Config{
			Endpoint:  get("FLUENT_S3_ENDPOINT"),
			Region:    firstNonEmpty(get("FLUENT_S3_REGION"), "us-east-1"),
			AccessKey: get("FLUENT_S3_ACCESS_KEY"),
			SecretKey: get("FLUENT_S3_SECRET_KEY"),
			Bucket:    get("FLUENT_S3_BUCKET"),
			UseSSL:    true,
		},
	}

	var err error
	if raw := get("FLUENT_CHAIN_ID"); raw != "" {
		if cfg.ChainID, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, invalid("FLUENT_CHAIN_ID", raw)
		}
	}
	if cfg.RPCTimeout, err = duration(get("FLUENT_RPC_TIMEOUT")); err != nil {
		return nil, invalid("FLUENT_RPC_TIMEOUT", get("FLUENT_RPC_TIMEOUT"))
	}
	if cfg.CompileTimeout, err = duration(get("FLUENT_COMPILE_TIMEOUT")); err != nil {
		return nil, invalid("FLUENT_COMPILE_TIMEOUT", get("FLUENT_COMPILE_TIMEOUT"))
	}
	if raw := get("FLUENT_S3_USE_SSL"); raw != "" {
		if cfg.S3.UseSSL, err = strconv.ParseBool(raw); err != nil {
			return nil, invalid("FLUENT_S3_USE_SSL", raw)
		}
	}
	if raw := cfg.SourceDateEpoch; raw != "" {
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, invalid("SOURCE_DATE_EPOCH", raw)
		}
	}
	return cfg, nil
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func duration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("invalid duration")
	}
	return d, nil
}

func invalid(key, raw string) error {
	return core.Failf(core.StageConfig, core.ErrConfigInvalid, "%s=%q is not valid", key, raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
