package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpbridge/internal/config"
	"mcpbridge/internal/httpapi"
	"mcpbridge/internal/logs"
	"mcpbridge/internal/runtime"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "mcpbridge",
	Short:        "Bridge to MCP tool servers with validation, health monitoring and an HTTP API",
	SilenceUsage: true,
}

func init() {
	// Accept underscores in flag names so env-style spellings work too.
	rootCmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().String("config", "", "path to the server document (default ~/.mcpbridge/mcp_config.json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-to-file", false, "also write logs to ~/.mcpbridge/logs")

	serveCmd.Flags().String("listen", "127.0.0.1:8180", "HTTP API listen address")
	serveCmd.Flags().String("data-dir", "", "data directory (default ~/.mcpbridge)")
	serveCmd.Flags().Int("health-interval", 30, "seconds between health sweeps")
	serveCmd.Flags().Int("failure-threshold", 3, "consecutive probe failures before quarantine")
	serveCmd.Flags().Int("max-connect-attempts", 5, "failed connects before a server turns unhealthy")

	viper.SetEnvPrefix("MCPBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))
	cobra.CheckErr(viper.BindPFlags(serveCmd.Flags()))

	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

func buildLogger() (*zap.Logger, error) {
	logCfg := logs.DefaultConfig()
	logCfg.Level = viper.GetString("log-level")
	logCfg.EnableFile = viper.GetBool("log-to-file")
	return logs.Setup(logCfg)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := buildLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cfg := config.DefaultConfig()
		cfg.Listen = viper.GetString("listen")
		cfg.DataDir = viper.GetString("data-dir")
		cfg.HealthIntervalSeconds = viper.GetInt("health-interval")
		cfg.FailureThreshold = viper.GetInt("failure-threshold")
		cfg.MaxConnectAttempts = viper.GetInt("max-connect-attempts")

		rt, err := runtime.New(cfg, viper.GetString("config"), logger)
		if err != nil {
			return err
		}
		if err := rt.Start(cmd.Context()); err != nil {
			_ = rt.Close()
			return err
		}

		api := httpapi.NewServer(logger.Named("httpapi"), rt, cfg.Listen)
		if err := api.Start(); err != nil {
			_ = rt.Close()
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		return rt.Close()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the server document and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := viper.GetString("config")
		if path == "" {
			var err error
			path, err = config.DefaultConfigPath()
			if err != nil {
				return err
			}
		}

		doc, err := config.LoadDocument(path)
		if err != nil {
			return err
		}

		results, err := config.ValidateDocument(doc)
		for id, result := range results {
			if result.Valid {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, result.Err())
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		fmt.Printf("%s: %d active, %d disabled, all valid\n", path, len(doc.Servers), len(doc.Disabled))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("mcpbridge", version)
	},
}
