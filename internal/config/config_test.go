package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fluentbuilder/internal/core"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := FromLookup(lookupMap(nil))
	require.NoError(t, err)
	require.Empty(t, cfg.Network)
	require.Zero(t, cfg.ChainID)
	require.Zero(t, cfg.RPCTimeout)
	require.Equal(t, "us-east-1", cfg.S3.Region)
	require.True(t, cfg.S3.UseSSL)
	require.False(t, cfg.S3.Enabled())
}

func TestFromLookup_ReadsEveryKey(t *testing.T) {
	cfg, err := FromLookup(lookupMap(map[string]string{
		"FLUENT_NETWORK":         "local",
		"FLUENT_RPC_URL":         " http://node:8545 ",
		"FLUENT_CHAIN_ID":        "1337",
		"FLUENT_RPC_TIMEOUT":     "5s",
		"FLUENT_COMPILE_TIMEOUT": "600",
		"FLUENT_CACHE_DIR":       "/var/cache/fluent",
		"FLUENT_RWASM_CONVERTER": "/usr/bin/rwasm",
		"FLUENT_LOG_LEVEL":       "debug",
		"FLUENT_LOCK_DRIFT":      "mismatched",
		"FLUENT_S3_ENDPOINT":     "minio:9000",
		"FLUENT_S3_REGION":       "eu-west-1",
		"FLUENT_S3_ACCESS_KEY":   "ak",
		"FLUENT_S3_SECRET_KEY":   "sk",
		"FLUENT_S3_BUCKET":       "contracts",
		"FLUENT_S3_USE_SSL":      "false",
		"SOURCE_DATE_EPOCH":      "1700000000",
	}))
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Network)
	require.Equal(t, "http://node:8545", cfg.RPCURL)
	require.Equal(t, uint64(1337), cfg.ChainID)
	require.Equal(t, 5*time.Second, cfg.RPCTimeout)
	require.Equal(t, 10*time.Minute, cfg.CompileTimeout)
	require.Equal(t, "/var/cache/fluent", cfg.CacheDir)
	require.Equal(t, "/usr/bin/rwasm", cfg.RwasmConverter)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "mismatched", cfg.LockDrift)
	require.Equal(t, "1700000000", cfg.SourceDateEpoch)
	require.True(t, cfg.S3.Enabled())
	require.False(t, cfg.S3.UseSSL)
	require.Equal(t, "eu-west-1", cfg.S3.Region)
	require.Equal(t, "contracts", cfg.S3.Bucket)
}

func TestFromLookup_RejectsMalformedValues(t *testing.T) {
	for key, val := range map[string]string{
		"FLUENT_CHAIN_ID":        "dev",
		"FLUENT_RPC_TIMEOUT":     "soon",
		"FLUENT_COMPILE_TIMEOUT": "-5s",
		"FLUENT_S3_USE_SSL":      "maybe",
		"SOURCE_DATE_EPOCH":      "yesterday",
	} {
		_, err := FromLookup(lookupMap(map[string]string{key: val}))
		require.ErrorIs(t, err, core.ErrConfigInvalid, key)
		require.Contains(t, err.Error(), key)
	}
}

func TestLoad_EnvFileUnderProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FLUENT_NETWORK=local\nFLUENT_CACHE_DIR=/from/file\n"), 0o644))
	t.Setenv("FLUENT_CACHE_DIR", "/from/env")
	_, set := os.LookupEnv("FLUENT_NETWORK")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.CacheDir)
	if !set {
		require.Equal(t, "local", cfg.Network)
	}
	_, after := os.LookupEnv("FLUENT_NETWORK")
	require.Equal(t, set, after, "the process environment is not modified")
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}
