package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ongoingai/collector/internal/config"
)

const defaultConfigPath = "collector.yaml"

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	root := newRootCommand(out, errOut)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintln(errOut, exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintln(errOut, err)
		return 2
	}
	return 0
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "collector",
		Short:         "Ingest, enrich, sample and export LLM spans",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running the binary without a subcommand serves, like "collector serve".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPathFlag(cmd), out, errOut)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().String("config", defaultConfigPath, "Path to config file")

	root.AddCommand(
		newServeCommand(out, errOut),
		newConfigCommand(out),
		newPricingCommand(out),
		newMigrateCommand(out),
		newVersionCommand(out),
	)
	return root
}

func configPathFlag(cmd *cobra.Command) string {
	value, err := cmd.Flags().GetString("config")
	if err != nil || strings.TrimSpace(value) == "" {
		return defaultConfigPath
	}
	return value
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func configError(stage string, err error) error {
	if stage == configStageLoad {
		return withExitCode(1, fmt.Errorf("failed to load config: %w", err))
	}
	return withExitCode(1, fmt.Errorf("config is invalid: %w", err))
}

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}
