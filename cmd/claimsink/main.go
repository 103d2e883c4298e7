// claimsink ingests healthcare claim submissions and remittance advices
// from the clearing-house (SOAP) or a local drop directory into Postgres,
// maintaining derived settlement aggregates per claim.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hcledger/claimsink/internal/config"
	"github.com/hcledger/claimsink/internal/telemetry"
)

// Version is stamped by the release build.
var Version = "dev"

var (
	cfgPath string
	cfg     *config.Config
	log     *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "claimsink",
	Short:         "Claims and remittance ingestion engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		log, err = buildLogger(cfg.Log)
		if err != nil {
			return err
		}
		if err := telemetry.Init(cmd.Context(), "claimsink", Version); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
		if log != nil {
			_ = log.Sync()
		}
	},
}

func buildLogger(lc config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if !lc.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (yaml)")
	rootCmd.AddCommand(runCmd, watchCmd, recalcCmd, verifyCmd, versionCmd, configCmd)

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the claimsink version",
	// No config needed to print a version.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("claimsink", Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}
