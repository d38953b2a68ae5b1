package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/bulk-messaging/internal/app"
	"github.com/LeventeLantos/bulk-messaging/internal/config"
)

var (
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wasched",
	Short: "wasched - scheduled bulk WhatsApp sender",
	Long: `wasched sends message sets to many WhatsApp recipients, now or at a
scheduled time, under a daily message limit with randomized pacing.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wasched version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

// loadConfig reads the dotenv file (if any), the environment, and installs
// the logger.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}
	cfg, err := config.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app.SetupLogger(cfg.Log)
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run(ctx)
}
