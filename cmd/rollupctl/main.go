package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nikiz24/rollup"
	"github.com/nikiz24/rollup/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rollupctl",
		Short:         "Administer metrics on the remote metrics service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file (YAML)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall command timeout")

	cmd.AddCommand(newListCommand(opts), newDeleteCommand(opts), newSendCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogTarget)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (o *rootOptions) client() (rollup.Client, *zap.Logger, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	client, err := cfg.NewClient(logger)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List metrics defined on the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, logger, err := opts.client()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			metrics, err := client.List(ctx)
			if err != nil {
				return err
			}
			for _, m := range metrics {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.Name, m.Type)
			}
			return nil
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [names...]",
		Short: "Delete metrics by name, or every metric with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass either metric names or --all")
			}

			client, logger, err := opts.client()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			names := args
			if all {
				metrics, err := client.List(ctx)
				if err != nil {
					return err
				}
				for _, m := range metrics {
					names = append(names, m.Name)
				}
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to delete")
				return nil
			}

			if err := client.Delete(ctx, names...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d metrics\n", len(names))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Delete every metric on the account")
	return cmd
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var (
		counters []string
		gauges   []string
		source   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Record the given measurements and flush them once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			tracker, logger, err := cfg.NewTracker()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var callOpts []rollup.Option
			if source != "" {
				callOpts = append(callOpts, rollup.WithSource(source))
			}

			for _, kv := range counters {
				name, amount, err := splitCounter(kv)
				if err != nil {
					return err
				}
				tracker.Increment(name, append(callOpts, rollup.By(amount))...)
			}
			for _, kv := range gauges {
				name, value, err := splitMeasurement(kv)
				if err != nil {
					return err
				}
				tracker.Measure(name, value, callOpts...)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			snap, err := tracker.Flush(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d counters and %d gauges\n", len(snap.Counters), len(snap.Gauges))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&counters, "counter", nil, "Counter increment in name=amount form (repeatable)")
	flags.StringArrayVar(&gauges, "gauge", nil, "Gauge sample in name=value form (repeatable)")
	flags.StringVar(&source, "source", "", "Source override for every measurement")
	return cmd
}

func cutMeasurement(kv string) (string, string, error) {
	name, raw, ok := strings.Cut(kv, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid measurement %q: expected name=value", kv)
	}
	return name, strings.TrimSpace(raw), nil
}

func splitMeasurement(kv string) (string, float64, error) {
	name, raw, err := cutMeasurement(kv)
	if err != nil {
		return "", 0, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid value in %q: %w", kv, err)
	}
	return name, value, nil
}

// splitCounter parses name=amount where amount is a positive integer
func splitCounter(kv string) (string, int64, error) {
	name, raw, err := cutMeasurement(kv)
	if err != nil {
		return "", 0, err
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid counter amount in %q: %w", kv, err)
	}
	if amount <= 0 {
		return "", 0, fmt.Errorf("invalid counter amount in %q: must be positive", kv)
	}
	return name, amount, nil
}
