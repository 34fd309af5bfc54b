package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/andig/mijnted/mijnted"
	"github.com/andig/mijnted/store"
	"github.com/evcc-io/evcc/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "mijnted",
		Short: "MijnTed energy usage client",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			util.LogLevel(v.GetString("log"), nil)
			return nil
		},
		SilenceUsage: true,
	}

	if err := bindFlags(v, rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Log in with MIJNTED_USERNAME and MIJNTED_PASSWORD and store the tokens",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, v, login) },
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show the stored credentials",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, v, show) },
		},
		&cobra.Command{
			Use:   "snapshot",
			Short: "Fetch all resources of the residential unit as JSON",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd, v, snapshot) },
		},
	)

	return rootCmd
}

type action func(ctx context.Context, log *util.Logger, cfg config, s store.Store, seed mijnted.Credentials) error

func run(cmd *cobra.Command, v *viper.Viper, fn action) error {
	cfg, err := readConfig(v)
	if err != nil {
		return err
	}

	log := util.NewLogger("mijnted")

	s, err := cfg.credentialStore()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	seed, err := s.Load(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return fn(ctx, log, cfg, s, seed)
}

func login(ctx context.Context, log *util.Logger, cfg config, s store.Store, _ mijnted.Credentials) error {
	session, err := mijnted.NewSession(log, cfg.sessionConfig(mijnted.Credentials{}, s))
	if err != nil {
		return err
	}

	if _, err := session.Login(ctx); err != nil {
		return err
	}

	creds := session.Credentials()
	log.INFO.Printf("logged in, residential unit: %s", creds.ResidentialUnit)

	return nil
}

func show(_ context.Context, _ *util.Logger, _ config, _ store.Store, seed mijnted.Credentials) error {
	if seed.RefreshToken == "" {
		return errors.New("no stored credentials, run login first")
	}

	expiry := "unknown"
	if !seed.RefreshTokenExpiresAt.IsZero() {
		expiry = seed.RefreshTokenExpiresAt.Local().Format(time.RFC3339)
	}

	fmt.Printf("Residential unit:     %s\n", seed.ResidentialUnit)
	fmt.Printf("Occupant:             %s\n", seed.OccupantID)
	fmt.Printf("Access token expired: %t\n", mijnted.IsTokenExpired(seed.AccessToken))
	fmt.Printf("Refresh token expiry: %s\n", expiry)

	return nil
}

func snapshot(ctx context.Context, log *util.Logger, cfg config, s store.Store, seed mijnted.Credentials) error {
	conn, err := mijnted.NewConnection(log, cfg.sessionConfig(seed, s))
	if err != nil {
		return err
	}
	defer conn.Close()

	if seed.RefreshToken == "" {
		log.INFO.Println("no stored credentials, logging in")
		if _, err := conn.Session().Login(ctx); err != nil {
			return err
		}
	}

	res, err := conn.Snapshot(ctx, time.Now())
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))

	return nil
}
