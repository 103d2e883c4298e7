package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/config"
	"github.com/hcledger/claimsink/internal/fetcher"
	"github.com/hcledger/claimsink/internal/fetcher/dhpo"
	"github.com/hcledger/claimsink/internal/fetcher/localfs"
	"github.com/hcledger/claimsink/internal/orchestrator"
	"github.com/hcledger/claimsink/internal/pipeline"
	"github.com/hcledger/claimsink/internal/refdata"
	"github.com/hcledger/claimsink/internal/soap"
	"github.com/hcledger/claimsink/internal/storage/postgres"
	"github.com/hcledger/claimsink/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an ingestion run; stops on SIGINT/SIGTERM after draining",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startRun(cmd.Context(), cfg)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [ready-dir]",
	Short: "Ingest from the local drop directory only",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wcfg := *cfg
		wcfg.SOAP.Enabled = false
		wcfg.LocalFS.Enabled = true
		if len(args) == 1 {
			wcfg.LocalFS.ReadyDir = args[0]
		}
		return startRun(cmd.Context(), &wcfg)
	},
}

// startRun assembles the store, pipeline and sources and drives one run.
func startRun(ctx context.Context, cfg *config.Config) error {
	store, err := postgres.Open(ctx, cfg.Database.DSN, postgres.Options{
		RecalcInline: cfg.Aggregates.RecalcMode == config.RecalcInline,
		Bootstrap:    cfg.Database.Bootstrap,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	resolver := refdata.New(store, cfg.RefData.AutoInsert, cfg.RefData.CacheTTL, log)
	pipe := pipeline.New(store, resolver, pipeline.Options{
		RecalcInline: cfg.Aggregates.RecalcMode == config.RecalcInline,
		FileTimeout:  cfg.Ingestion.FileTimeout,
	}, log)

	fetchers, ackers, source, err := buildSources(cfg, log)
	if err != nil {
		return err
	}

	orch := orchestrator.New(store, pipe, fetchers, ackers, orchestrator.Options{
		Source:             source,
		QueueCapacity:      cfg.Ingestion.QueueCapacity,
		PauseThresholdPct:  cfg.Ingestion.PauseThresholdPct,
		ResumeThresholdPct: cfg.Ingestion.ResumeThresholdPct,
		Workers:            cfg.Ingestion.Workers,
	}, telemetry.NewMetrics(), log)

	log.Info("claimsink starting",
		zap.String("version", Version),
		zap.String("source", source),
		zap.Int("workers", cfg.Ingestion.Workers))
	return orch.Run(ctx)
}

// buildSources assembles the enabled fetchers and their ackers.
func buildSources(cfg *config.Config, log *zap.Logger) ([]fetcher.Fetcher, []fetcher.Acker, string, error) {
	var (
		fetchers []fetcher.Fetcher
		ackers   []fetcher.Acker
		source   string
	)
	if cfg.LocalFS.Enabled {
		opts := localfs.Options{
			ReadyDir:     cfg.LocalFS.ReadyDir,
			DoneDir:      cfg.LocalFS.DoneDir,
			ErrorDir:     cfg.LocalFS.ErrorDir,
			ScanInterval: cfg.LocalFS.ScanInterval,
		}
		fetchers = append(fetchers, localfs.New(opts, log))
		ackers = append(ackers, localfs.NewAcker(opts, log))
		source = fetcher.SourceLocalFS
	}
	if cfg.SOAP.Enabled {
		client := soap.New(soap.Options{
			Endpoint:       cfg.SOAP.Endpoint,
			ConnectTimeout: cfg.SOAP.ConnectTimeout,
			ReadTimeout:    cfg.SOAP.ReadTimeout,
			Retries: soap.RetryPolicy{
				Max:  cfg.SOAP.Retries.Max,
				Base: cfg.SOAP.Retries.Base,
				Cap:  cfg.SOAP.Retries.Cap,
			},
		}, log)
		creds := make([]soap.Credentials, 0, len(cfg.SOAP.Facilities))
		for _, f := range cfg.SOAP.Facilities {
			creds = append(creds, soap.Credentials{Login: f.Login, Password: f.Password})
		}
		fetchers = append(fetchers, dhpo.New(client, dhpo.Options{
			Facilities:          creds,
			SearchDays:          cfg.SOAP.SearchDays,
			PollInterval:        cfg.SOAP.PollInterval,
			DownloadConcurrency: cfg.SOAP.DownloadConcurrency,
		}, log))
		ackers = append(ackers, dhpo.NewAcker(client, creds, log))
		if source == "" {
			source = fetcher.SourceSOAP
		} else {
			source = "mixed"
		}
	}
	if len(fetchers) == 0 {
		return nil, nil, "", fmt.Errorf("no ingestion source enabled")
	}
	return fetchers, ackers, source, nil
}
