package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/boxlite/boxlite/box"
	"github.com/boxlite/boxlite/config"
)

var (
	cfgFile     string
	guestBinary string
	conf        *config.Config
	controller  *box.Controller
)

// rootCmd mirrors cocoon's cmd/root.go: persistent flags bound through
// viper, a PersistentPreRunE that loads config and sets up logging before
// any subcommand runs.
var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "boxlite",
		Short:        "boxlite - single-host microVM runtime",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "runtime home directory")
	cmd.PersistentFlags().StringVar(&guestBinary, "guest-binary", "", "path to the boxlite-guest agent binary")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))

	viper.SetEnvPrefix("BOXLITE")
	viper.AutomaticEnv()

	cmd.AddCommand(boxCmd())
	cmd.AddCommand(snapshotCmd())
	cmd.AddCommand(gcCmd())

	return cmd
}()

// commandContext returns the cobra-provided context, falling back to
// Background, the way cocoon's cmdcore.CommandContext does.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if dir := viper.GetString("root_dir"); dir != "" {
		conf.RootDir = dir
	}

	if err := conf.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	if err := log.SetupLog(ctx, conf.Log, ""); err != nil {
		return err
	}

	c, err := box.New(conf, guestBinary)
	if err != nil {
		return fmt.Errorf("init controller: %w", err)
	}
	controller = c
	return nil
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM,
// mirroring cocoon's cmd.Execute.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
