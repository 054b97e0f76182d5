package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgw/internal/config"
)

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "")
	t.Setenv("GATEWAY_LOG_LEVEL", "")
	t.Setenv("GATEWAY_LOG_FORMAT", "")

	f, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "configs/gateway.yaml", f.configPath)
	assert.Empty(t, f.logLevel)
	assert.Empty(t, f.logFormat)
	assert.False(t, f.showVersion)
}

func TestParseFlags_EnvAndArgs(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "/etc/tenantgw/gateway.yaml")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_LOG_FORMAT", "console")

	f, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "/etc/tenantgw/gateway.yaml", f.configPath)
	assert.Equal(t, "debug", f.logLevel)
	assert.Equal(t, "console", f.logFormat)

	f, err = parseFlags([]string{"-config", "local.yaml", "-log-level", "warn", "-version"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "local.yaml", f.configPath)
	assert.Equal(t, "warn", f.logLevel)
	assert.True(t, f.showVersion)

	_, err = parseFlags([]string{"-unknown"}, io.Discard)
	assert.Error(t, err)
}

func TestLogConfig(t *testing.T) {
	t.Parallel()

	file := config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"}

	got := logConfig(cliFlags{}, file)
	assert.Equal(t, "info", got.Level)
	assert.Equal(t, "json", got.Format)
	assert.Equal(t, "stderr", got.Output)

	got = logConfig(cliFlags{logLevel: "debug", logFormat: "console"}, file)
	assert.Equal(t, "debug", got.Level)
	assert.Equal(t, "console", got.Format)
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "tenantgw version "+version)
	assert.Contains(t, buf.String(), "Git commit: "+gitCommit)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TENANTGW_TEST_VALUE", "set")

	assert.Equal(t, "set", getEnvOrDefault("TENANTGW_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", getEnvOrDefault("TENANTGW_TEST_MISSING", "fallback"))
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Empty(t, firstNonEmpty("", ""))
}
