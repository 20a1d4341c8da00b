package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/usher/internal/config"
)

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "usher",
		Short: "Usher - meeting bot fleet control plane",
		Long:  "Control plane for a fleet of meeting-attendance bots: warm pool, queueing, deployment and lifecycle tracking.",
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (json or yaml)")

	rootCmd.AddCommand(
		serveCmd(),
		apiKeyCmd(),
		tenantCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgPath != "" {
		loaded, err := config.LoadFromFile(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
