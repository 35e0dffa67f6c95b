// Package cmd wires the broker's cobra/viper command-line surface: flags
// and env-prefixed config loading resolve in PersistentPreRunE, and the
// root context cancels on SIGINT/SIGTERM for graceful shutdown.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/projecteru2/cocoon-broker/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "cocoon-broker",
		Short:        "Cocoon Broker - distributed job-execution scheduler",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory (blob store + LayerFS cache)")
	cmd.PersistentFlags().String("listen-addr", "", "client/worker/artifact listen address")
	cmd.PersistentFlags().String("http-listen-addr", "", "debug statistics HTTP listen address")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("listen_addr", cmd.PersistentFlags().Lookup("listen-addr"))
	_ = viper.BindPFlag("http_listen_addr", cmd.PersistentFlags().Lookup("http-listen-addr"))

	viper.SetEnvPrefix("COCOON_BROKER")
	viper.AutomaticEnv()

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(gcCmd())

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

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
		// No config file is OK; a corrupt/unreadable one is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var err error
	conf, err = config.EnsureDirs(conf)
	if err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}
	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}

	return log.SetupLog(ctx, &conf.Log, "")
}
