package main

import (
	"context"
	"errors"
	"strings"

	"github.com/andig/mijnted/mijnted"
	"github.com/andig/mijnted/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const TOKEN_FILE = ".mijnted-token.json"

// config is read from flags and MIJNTED_* environment variables
type config struct {
	ClientID   string
	Store      string
	TokenFile  string
	Username   string
	Password   string
	LogLevel   string
	ReuseToken bool
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("client-id", "", "OAuth client id of the MijnTed app")
	flags.String("store", store.TypeFile, "credential store (file|keyring)")
	flags.String("token-file", TOKEN_FILE, "token file of the file store")
	flags.String("log", "info", "log level (fatal|error|warn|info|debug|trace)")
	flags.Bool("reuse-token", false, "reuse a valid access token instead of refreshing")

	v.SetEnvPrefix("mijnted")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v.BindPFlags(flags)
}

func readConfig(v *viper.Viper) (config, error) {
	cfg := config{
		ClientID:   v.GetString("client-id"),
		Store:      v.GetString("store"),
		TokenFile:  v.GetString("token-file"),
		Username:   v.GetString("username"),
		Password:   v.GetString("password"),
		LogLevel:   v.GetString("log"),
		ReuseToken: v.GetBool("reuse-token"),
	}

	if strings.TrimSpace(cfg.ClientID) == "" {
		return cfg, errors.New("missing client id, use --client-id or MIJNTED_CLIENT_ID")
	}

	return cfg, nil
}

// credentialStore returns the configured store. The keyring entry is keyed by
// username.
func (cfg config) credentialStore() (store.Store, error) {
	if cfg.Store == store.TypeKeyring {
		return store.New(cfg.Store, cfg.Username)
	}
	return store.New(cfg.Store, cfg.TokenFile)
}

func (cfg config) credentials(context.Context) (string, string, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return "", "", errors.New("MIJNTED_USERNAME and MIJNTED_PASSWORD required")
	}
	return cfg.Username, cfg.Password, nil
}

func (cfg config) sessionConfig(seed mijnted.Credentials, s store.Store) mijnted.Config {
	return mijnted.Config{
		ClientID:              cfg.ClientID,
		Seed:                  seed,
		OnTokenUpdate:         store.Updater(s),
		GetCredentials:        cfg.credentials,
		ReuseValidAccessToken: cfg.ReuseToken,
	}
}
