package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gamers-united/magma/pkg/config"
	"github.com/gamers-united/magma/pkg/version"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "magma",
	Short: "Magma - protocol-aware Minecraft reverse proxy",
	Long: `Magma is a protocol-version-aware TCP reverse proxy for Minecraft.

It classifies each client's handshake dialect from the first bytes on the
wire, looks the protocol tag up in a routing table, and splices the
connection to the backend server speaking that protocol generation.

Features:
  • Handshake detection across the pre- and post-Netty wire formats
  • Routing rules from MySQL or a static table, with a default backend
  • Transparent byte-exact prelude replay to the chosen backend
  • Per-tag traffic statistics with an optional admin endpoint`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long:  "Start the reverse proxy listener and route clients by protocol tag",
	Run:   runServer,
}

var configPathFlag string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate default configuration file",
	Long:  "Generate a default configuration file at the specified path",
	Run: func(cmd *cobra.Command, args []string) {
		if err := config.GenerateConfig(configPathFlag); err != nil {
			slog.Error("failed to generate config", "error", err)
			os.Exit(1)
		}
		slog.Info("default config generated", "path", configPathFlag)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("magma %s", version.Version)
		if version.Commit != "" {
			fmt.Printf(" (%s)", version.Commit)
		}
		if version.Date != "" {
			fmt.Printf(" built %s", version.Date)
		}
		fmt.Println()
	},
}

func main() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config/magma.yaml", "Configuration file path")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	configCmd.Flags().StringVarP(&configPathFlag, "output", "o", "config/magma.yaml", "Output configuration file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("failed to execute command", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
