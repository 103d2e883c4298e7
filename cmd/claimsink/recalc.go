package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/parser"
	"github.com/hcledger/claimsink/internal/storage/postgres"
)

var recalcAll bool

var recalcCmd = &cobra.Command{
	Use:   "recalc [claim-key-id...]",
	Short: "Re-derive activity summaries and claim payments for claim keys",
	Long: `Re-runs the aggregate derivation for the given claim keys, or for
every claim key with --all. The derivation is a pure function of the base
tables, so re-running it is always safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !recalcAll && len(args) == 0 {
			return fmt.Errorf("pass claim key ids or --all")
		}
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid claim key id %q", a)
			}
			ids = append(ids, id)
		}
		if recalcAll {
			ids, err = allClaimKeys(ctx, store)
			if err != nil {
				return err
			}
		}

		for _, id := range ids {
			if err := store.RecalculateActivitySummary(ctx, id); err != nil {
				return fmt.Errorf("claim key %d: %w", id, err)
			}
			if err := store.RecalculateClaimPayment(ctx, id); err != nil {
				return fmt.Errorf("claim key %d: %w", id, err)
			}
		}
		log.Info("aggregates recalculated", zap.Int("claim_keys", len(ids)))
		return nil
	},
}

func init() {
	recalcCmd.Flags().BoolVar(&recalcAll, "all", false, "recalculate every claim key")
}

func openStore(ctx context.Context) (*postgres.Store, error) {
	store, err := postgres.Open(ctx, cfg.Database.DSN, postgres.Options{
		Bootstrap: cfg.Database.Bootstrap,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func allClaimKeys(ctx context.Context, store *postgres.Store) ([]int64, error) {
	rows, err := store.DB().QueryContext(ctx, `SELECT id FROM claim_key ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file.xml>...",
	Short: "Re-parse files and verify their persisted row counts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			fileID := filepath.Base(path)
			parsed, err := parser.Parse(fileID, data)
			if err != nil {
				return fmt.Errorf("%s: %w", fileID, err)
			}
			vr, err := store.VerifyFile(ctx, fileID, parsed.Counts)
			if err != nil {
				return fmt.Errorf("%s: %w", fileID, err)
			}
			if vr.OK {
				fmt.Printf("%s: OK (%d claims, %d activities)\n",
					fileID, vr.Persisted.Claims, vr.Persisted.Activities)
			} else {
				failed++
				fmt.Printf("%s: MISMATCH: %s\n", fileID, vr.Detail)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d file(s) failed verification", failed)
		}
		return nil
	},
}
