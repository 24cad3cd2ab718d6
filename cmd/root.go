package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/stencil/internal/config"
	"github.com/conneroisu/stencil/internal/engine"
	"github.com/conneroisu/stencil/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "stencil",
	Short: "Compile directive-annotated HTML views and keep them fresh",
	Long: `Stencil compiles a library of HTML templates annotated with %%Name=Value%%
directives into fully resolved views, renders them with caller-supplied tags,
and recompiles only the affected views when a template changes on disk.

Quick Start:
  stencil compile                  Compile every view and write the cache snapshot
  stencil render Home/Index -t user=Bob
  stencil watch                    Recompile on change and keep the snapshot current
  stencil serve                    Preview views over HTTP with live reload`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is .stencil.yml, can also use STENCIL_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
}

// initConfig points viper at the configuration file and environment.
// A missing default file is not an error; defaults apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("STENCIL_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stencil")
	}

	viper.SetEnvPrefix("STENCIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	if flag := rootCmd.PersistentFlags().Lookup("log-level"); flag != nil && flag.Changed {
		_ = viper.BindPFlag("log.level", flag)
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadEngine resolves the configuration and builds the logger and engine
// every command works with.
func loadEngine() (*config.Config, logging.Logger, *engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.LoggerConfig())

	eng, err := engine.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return cfg, logger, eng, nil
}
