// Command control-plane runs the storage control plane: node discovery
// bookkeeping, pool reconciliation, volume lifecycle management, and the
// CSI surface an orchestrator talks to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/poseidon/internal/config"
	"github.com/cuemby/poseidon/internal/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var cfgFile string
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "control-plane",
	Short:   "Poseidon storage control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("control-plane version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	config.BindFlags(rootCmd)

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(poolsCmd)
	rootCmd.AddCommand(volumesCmd)
}

func initConfig() {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.ApplyFlags(rootCmd, &loaded)
	cfg = loaded

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
}
