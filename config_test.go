package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/andig/mijnted/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()

	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, bindFlags(v, flags))
	require.NoError(t, flags.Parse(args))

	return v
}

func TestReadConfigFromEnv(t *testing.T) {
	t.Setenv("MIJNTED_CLIENT_ID", "env-client")
	t.Setenv("MIJNTED_USERNAME", "user@example.com")
	t.Setenv("MIJNTED_PASSWORD", "secret")
	t.Setenv("MIJNTED_REUSE_TOKEN", "true")

	cfg, err := readConfig(newTestViper(t))
	require.NoError(t, err)

	assert.Equal(t, "env-client", cfg.ClientID)
	assert.Equal(t, store.TypeFile, cfg.Store)
	assert.Equal(t, TOKEN_FILE, cfg.TokenFile)
	assert.True(t, cfg.ReuseToken)

	user, password, err := cfg.credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", user)
	assert.Equal(t, "secret", password)
}

func TestReadConfigFlagsOverrideDefaults(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.json")

	cfg, err := readConfig(newTestViper(t, "--client-id", "flag-client", "--token-file", tokenFile, "--log", "debug"))
	require.NoError(t, err)

	assert.Equal(t, "flag-client", cfg.ClientID)
	assert.Equal(t, tokenFile, cfg.TokenFile)
	assert.Equal(t, "debug", cfg.LogLevel)

	s, err := cfg.credentialStore()
	require.NoError(t, err)
	assert.IsType(t, &store.File{}, s)
}

func TestReadConfigRequiresClientID(t *testing.T) {
	t.Setenv("MIJNTED_CLIENT_ID", "")

	_, err := readConfig(newTestViper(t))
	assert.Error(t, err)
}

func TestCredentialsRequired(t *testing.T) {
	_, _, err := config{Username: "user"}.credentials(context.Background())
	assert.Error(t, err)
}
