package main

import (
	"fmt"

	"github.com/flowcanvas/companion/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "companion",
		Short:         "Local companion service for the node-graph editor and its engine.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.Int("port", 3333, "port to listen on")
	flags.String("engine", "http://127.0.0.1:8188", "base URL of the engine")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	for key, flag := range map[string]string{
		"server.port":     "port",
		"engine.base_url": "engine",
		"logger.level":    "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newKeygenCommand(v, &configPath))
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
