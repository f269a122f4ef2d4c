package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/catalog"
	"trek-rest-api/internal/config"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/service"
	"trek-rest-api/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// env is what every subcommand needs, opened once per invocation.
type env struct {
	store    store.DocumentStore
	cache    cache.LocalCache
	catalog  *catalog.Catalog
	sync     *service.SyncManager
	accounts *service.AccountService
	purchase *service.PurchaseService
	activity *service.ActivityService
}

func openEnv(verbose bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	cat, err := catalog.LoadOrDefault(cfg.App.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	st, err := store.Open(cfg.Store, cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// the CLI reads the store directly; its cache lives only for the command
	c := cache.NewMemoryCache()
	sm := service.NewSyncManager(st, c, cfg.Sync.WriteTimeout, logger)
	return &env{
		store:    st,
		cache:    c,
		catalog:  cat,
		sync:     sm,
		accounts: service.NewAccountService(st, c, cat, sm, logger),
		purchase: service.NewPurchaseService(st, c, cat, cfg.Sync.WriteTimeout, logger),
		activity: service.NewActivityService(st, cfg.Economy.StepsPerCoin, logger),
	}, nil
}

func (e *env) Close() error {
	e.sync.Close()
	e.cache.Close()
	return e.store.Close()
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		verbose bool
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:   "trekctl",
		Short: "Operate on Trek users against the remote store",
		Long: `trekctl reads the same environment configuration as the API server
(STORE_TYPE, STORE_PATH, ...) and talks to the remote store directly.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for the whole command")

	// withEnv opens the store, runs fn under the command deadline and closes it.
	withEnv := func(fn func(ctx context.Context, e *env, args []string) (interface{}, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(verbose)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			v, err := fn(ctx, e, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		}
	}

	seedCmd := &cobra.Command{
		Use:   "seed <user_id> [email]",
		Short: "Create a user's profile, balance and locked items if missing",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) (interface{}, error) {
			email := ""
			if len(args) > 1 {
				email = args[1]
			}
			return e.accounts.Seed(ctx, args[0], email)
		}),
	}

	purchaseCmd := &cobra.Command{
		Use:   "purchase <user_id> <item_id>",
		Short: "Buy a catalog item at its listed price",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) (interface{}, error) {
			return e.purchase.Buy(ctx, args[0], args[1])
		}),
	}

	activityCmd := &cobra.Command{
		Use:   "activity <user_id> <steps> [miles] [calories]",
		Short: "Record activity for today and accrue coins",
		Args:  cobra.RangeArgs(2, 4),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) (interface{}, error) {
			a, err := parseActivity(args[1:])
			if err != nil {
				return nil, err
			}
			return e.activity.Record(ctx, args[0], a)
		}),
	}

	sessionCmd := &cobra.Command{
		Use:   "session <user_id> <duration> <steps> [miles] [calories]",
		Short: "Record a finished walk or run (duration like 25m30s) and accrue coins",
		Args:  cobra.RangeArgs(3, 5),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) (interface{}, error) {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return nil, fmt.Errorf("duration: %w", err)
			}
			a, err := parseActivity(args[2:])
			if err != nil {
				return nil, err
			}
			return e.activity.LogSession(ctx, args[0], model.SessionInput{
				DurationSeconds: int64(d / time.Second),
				Steps:           a.Steps,
				Miles:           a.Miles,
				Calories:        a.Calories,
			})
		}),
	}

	var limit int
	sessionsCmd := &cobra.Command{
		Use:   "sessions <user_id>",
		Short: "List a user's recorded walks and runs, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) (interface{}, error) {
			return e.accounts.Sessions(ctx, args[0], limit)
		}),
	}
	sessionsCmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many sessions (0 for all)")

	balanceCmd := &cobra.Command{
		Use:   "balance <user_id>",
		Short: "Show a user's balance, items and totals",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(ctx context.Context, e *env, args []string) (interface{}, error) {
			return e.accounts.View(ctx, args[0])
		}),
	}

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the items for sale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cat, err := catalog.LoadOrDefault(cfg.App.CatalogPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cat.List())
		},
	}

	root.AddCommand(seedCmd, purchaseCmd, activityCmd, sessionCmd, sessionsCmd, balanceCmd, catalogCmd)
	return root
}

func parseActivity(args []string) (model.Activity, error) {
	var a model.Activity
	var err error
	if a.Steps, err = strconv.ParseInt(args[0], 10, 64); err != nil {
		return a, fmt.Errorf("steps: %w", err)
	}
	if len(args) > 1 {
		if a.Miles, err = strconv.ParseFloat(args[1], 64); err != nil {
			return a, fmt.Errorf("miles: %w", err)
		}
	}
	if len(args) > 2 {
		if a.Calories, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return a, fmt.Errorf("calories: %w", err)
		}
	}
	return a, nil
}
