package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "legion",
	Short: "legion - a chat room for a legion of AI minions",
	Long: `legion runs conversations between a human Commander and a roster of
AI personas ("minions") across group, direct and autonomous swarm channels.

Every minion perceives each message, decides whether to speak, may call
tools, and keeps a private diary and opinions of the other participants.
Regulator minions periodically report on the health of a conversation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config.yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Timeout for one-shot commands")

	rootCmd.AddCommand(minionCmd)
	rootCmd.AddCommand(channelCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(swarmCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(toolsCmd)
}

func defaultConfigPath() string {
	if env := os.Getenv("LEGION_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".legion", "config.yaml")
	}
	return filepath.Join(home, ".legion", "config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
