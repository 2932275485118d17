package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/config"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/observability"
	"go.uber.org/zap"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "fakegeo",
	Short:         "Simulated geolocation driven by a joystick, with IP based start positions.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(viper.GetViper()); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "fakegeo"})
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Debug("configuration loaded", zap.String("file", viper.ConfigFileUsed()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Sync()
	},
}

// Execute runs the CLI. ctx is cancelled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() == nil {
			observability.GetLogger().Error("command failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newLocateCmd(),
		newPublicIPCmd(),
		newUseCurrentLocationCmd(),
		newSweepCmd(),
		newEmulateCmd(),
		newEnableCmd(true),
		newEnableCmd(false),
		newSetPositionCmd(),
		newTilesCmd(),
	)
}

// initializeConfig reads the config file, if any, and environment variables.
func initializeConfig(v *viper.Viper) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
