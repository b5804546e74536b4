package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aschepis/backscratcher/llmwarehouse/backend"
	"github.com/aschepis/backscratcher/llmwarehouse/config"
	"github.com/aschepis/backscratcher/llmwarehouse/dispatch"
	"github.com/aschepis/backscratcher/llmwarehouse/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConcurrency = 4

// newRootCmd builds the command. Every flag can also be set through the
// matching LLM_WAREHOUSE_* variable (--api-key is LLM_WAREHOUSE_API_KEY).
// Backend settings fall back to env, which may name a YAML config file.
func newRootCmd(env config.Env) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LLM_WAREHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "warehouse-sync",
		Short:         "Re-deliver a local LLM call log to the warehouse, database or queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), cmd, v, env)
		},
	}

	flags := cmd.Flags()
	flags.String("log-file", "", "NDJSON call log to re-deliver")
	flags.String("url", "", "Warehouse base URL")
	flags.String("api-key", "", "Warehouse API key")
	flags.String("database-url", "", "Database URL (sqlite3://path or mysql://dsn)")
	flags.String("database-key", "", "Database credential")
	flags.String("redis-url", "", "Redis URL for the stream backend")
	flags.String("amqp-url", "", "AMQP URL for the queue backend")
	flags.Int("concurrency", defaultConcurrency, "Records delivered in parallel")
	flags.String("diag-file", "", "Write diagnostics to this file instead of stderr")
	flags.Bool("pretty", false, "Human-readable diagnostics (only without --diag-file)")
	if err := v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("bind flags: %v", err))
	}
	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, v *viper.Viper, env config.Env) error {
	if v.GetString("diag-file") != "" && v.GetBool("pretty") {
		return fmt.Errorf("--diag-file and --pretty are mutually exclusive")
	}
	log, err := logger.InitWithOptions(v.GetString("diag-file"), v.GetBool("pretty"))
	if err != nil {
		return err
	}

	source := v.GetString("log-file")
	if source == "" {
		source = env.Get(config.EnvLogFile)
	}
	if source == "" {
		return fmt.Errorf("--log-file is required")
	}

	opts, err := config.Resolve(config.Options{
		WarehouseURL: v.GetString("url"),
		APIKey:       v.GetString("api-key"),
		DatabaseURL:  v.GetString("database-url"),
		DatabaseKey:  v.GetString("database-key"),
		RedisURL:     v.GetString("redis-url"),
		AMQPURL:      v.GetString("amqp-url"),
	}, env)
	if err != nil {
		return err
	}
	// Never append the log to itself.
	opts.LogFile = ""
	if !opts.HasBackends() {
		return fmt.Errorf("no remote backend configured; set --url, --database-url, --redis-url or --amqp-url")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	adapters, err := backend.FromOptions(ctx, opts, log)
	if err != nil {
		return err
	}
	d := dispatch.New(log, adapters, dispatch.WithDeliveryTimeout(backend.DefaultWarehouseMaxElapsed))
	defer func() {
		if cerr := d.Close(context.Background()); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to close backends")
		}
	}()

	file, err := os.Open(source) //#nosec G304 -- user-selected log file
	if err != nil {
		return fmt.Errorf("failed to open call log: %w", err)
	}
	defer file.Close()

	log.Info().
		Str("file", source).
		Strs("backends", d.Backends()).
		Msg("Syncing call log")

	sum, err := syncLog(ctx, file, d, v.GetInt("concurrency"), log)
	if err != nil {
		return err
	}
	logSummary(log, sum)
	fmt.Fprintf(cmd.OutOrStdout(), "delivered %d of %d records (%d failed, %d invalid)\n",
		sum.Delivered, sum.Records(), sum.Failed, sum.Invalid)
	if sum.Failed > 0 {
		return fmt.Errorf("%d records could not be delivered", sum.Failed)
	}
	return nil
}

func logSummary(log zerolog.Logger, sum summary) {
	log.Info().
		Int("delivered", sum.Delivered).
		Int("failed", sum.Failed).
		Int("invalid", sum.Invalid).
		Msg("Sync finished")
}
