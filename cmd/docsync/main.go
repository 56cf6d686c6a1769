// Command docsync runs an offline-first document sync client: a
// durable local cache kept consistent with a remote source of truth,
// with multi-client primary election over a shared store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Offline-first document sync client",
	Long: `docsync keeps a durable local document cache in sync with a remote
backend. Local writes are queued durably and replayed to the server;
several client processes may share one store, with exactly one acting
as the primary synchronizer at a time.`,
}

func init() {
	rootCmd.PersistentFlags().String("store", ".docsync/store.db", "Path to the shared store database")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./docsync.yaml)")

	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))

	cobra.OnInitialize(loadConfig)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig wires viper: config file (optional), environment
// overrides with the DOCSYNC_ prefix, then flags.
func loadConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DOCSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("remote.url", "ws://localhost:8080/stream")
	viper.SetDefault("daemon.log_file", "")
	viper.SetDefault("daemon.lease_duration", "5s")
	viper.SetDefault("daemon.refresh_interval", "2s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
