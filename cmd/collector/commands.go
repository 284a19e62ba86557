package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ongoingai/collector/internal/config"
	"github.com/ongoingai/collector/internal/pricing"
	"github.com/ongoingai/collector/internal/sink"
	"github.com/ongoingai/collector/internal/version"
	"github.com/ongoingai/collector/migrations"
)

func newConfigCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect collector configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath := configPathFlag(cmd)
			if _, stage, err := loadAndValidateConfig(configPath); err != nil {
				return configError(stage, err)
			}
			fmt.Fprintf(out, "config is valid: %s\n", configPath)
			return nil
		},
	})
	return cmd
}

type pricingRow struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	PromptPer1K     string `json:"prompt_per_1k"`
	CompletionPer1K string `json:"completion_per_1k"`
}

func newPricingCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect the pricing table",
	}
	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the effective pricing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outputFormat, err := normalizeTextJSONFormat("pricing list", format, "text")
			if err != nil {
				return withExitCode(2, err)
			}
			cfg, stage, err := loadAndValidateConfig(configPathFlag(cmd))
			if err != nil {
				return configError(stage, err)
			}
			table, err := loadPricingTable(cfg.Cost)
			if err != nil {
				return withExitCode(1, err)
			}
			return writePricingTable(out, table, outputFormat)
		},
	}
	list.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.AddCommand(list)
	return cmd
}

func loadPricingTable(cfg config.CostConfig) (*pricing.Table, error) {
	if strings.TrimSpace(cfg.PricingFile) == "" {
		return pricing.Default(), nil
	}
	table, err := pricing.LoadFile(cfg.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("load pricing file: %w", err)
	}
	return table, nil
}

func writePricingTable(out io.Writer, table *pricing.Table, format string) error {
	entries := table.Entries()
	rows := make([]pricingRow, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, pricingRow{
			Provider:        entry.Provider,
			Model:           entry.Model,
			PromptPer1K:     entry.PromptPer1K.String(),
			CompletionPer1K: entry.CompletionPer1K.String(),
		})
	}

	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tPROMPT/1K\tCOMPLETION/1K")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.Provider, row.Model, row.PromptPer1K, row.CompletionPer1K)
	}
	return tw.Flush()
}

// newMigrateCommand applies the embedded schema to every configured SQL
// sink. Opening a sink applies pending migrations.
func newMigrateCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured SQL sinks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, stage, err := loadAndValidateConfig(configPathFlag(cmd))
			if err != nil {
				return configError(stage, err)
			}
			applied, err := migrateSinks(cfg.Sinks)
			if err != nil {
				return withExitCode(1, err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "no sql sinks configured")
				return nil
			}
			for _, line := range applied {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func migrateSinks(cfg config.SinksConfig) ([]string, error) {
	var applied []string
	record := func(sinkName, driver string) error {
		names, err := migrations.List(driver)
		if err != nil {
			return err
		}
		applied = append(applied, fmt.Sprintf("%s: %d migrations applied (%s)", sinkName, len(names), driver))
		return nil
	}

	var errs []error
	if cfg.Traces.Driver == config.SinkDriverSQLite {
		store, err := sink.NewSQLiteTraces(cfg.Traces.Path)
		if err == nil {
			err = errors.Join(record("sinks.traces", migrations.DriverSQLite), store.Close())
		}
		errs = append(errs, err)
	}
	if cfg.Traces.Driver == config.SinkDriverPostgres {
		store, err := sink.NewPostgresTraces(cfg.Traces.DSN)
		if err == nil {
			err = errors.Join(record("sinks.traces", migrations.DriverPostgres), store.Close())
		}
		errs = append(errs, err)
	}
	if cfg.Metrics.Driver == config.SinkDriverPostgres {
		store, err := sink.NewPostgresMetrics(cfg.Metrics.DSN)
		if err == nil {
			err = errors.Join(record("sinks.metrics", migrations.DriverPostgres), store.Close())
		}
		errs = append(errs, err)
	}
	return applied, errors.Join(errs...)
}

func newVersionCommand(out io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the collector version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			outputFormat, err := normalizeTextJSONFormat("version", format, "text")
			if err != nil {
				return withExitCode(2, err)
			}
			if outputFormat == "json" {
				return json.NewEncoder(out).Encode(version.Get())
			}
			fmt.Fprintln(out, version.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}
