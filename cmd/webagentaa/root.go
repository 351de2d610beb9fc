package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"webagentaa/internal/exitcodes"
	"webagentaa/internal/runner"
)

const (
	applicationName     = "webagentaa"
	applicationShort    = "Run natural-language browser test cases through an AI agent"
	configFlag          = "config"
	byPriorityFlag      = "by-priority"
	cliTrigger          = "cli"
	configFlagUsage     = "Optional path to a YAML configuration file."
	byPriorityFlagUsage = "Run only tasks matching the configured priority and category."
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           applicationName,
		Short:         applicationShort,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(configFlag, "", configFlagUsage)
	flags.String("log-level", "info", "Log level (debug, info, warn, error).")
	flags.String("log-format", "console", "Log format (console or json).")
	flags.String("mode", "sequential", "Execution mode (sequential or parallel).")
	flags.Int("max-parallel", 3, "Maximum concurrent agents in parallel mode; 0 means unbounded.")
	flags.Duration("delay", 0, "Pause between tasks in sequential mode.")
	flags.Bool("headless", true, "Run the browser without a visible window.")
	flags.Duration("timeout", 0, "Per-task timeout.")
	flags.String("priority", "", "Priority filter for priority runs (All matches every priority).")
	flags.String("category", "", "Category filter for priority runs (All matches every category).")
	flags.String("source", "", "Task source (sheets or csv).")
	flags.String("csv", "", "Path to the CSV task file when --source=csv.")
	flags.String("backend", "", "Execution backend (command or chrome).")
	flags.String("reports-dir", "", "Directory for generated reports.")
	flags.String("state-dir", "", "Directory for the run history database.")

	root.AddCommand(
		newRunCommand(),
		newRunPriorityCommand(),
		newSingleCommand(),
		newServeCommand(),
		newMCPCommand(),
		newConfigCommand(),
	)
	return root
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every active task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			byPriority, _ := cmd.Flags().GetBool(byPriorityFlag)
			return runTasks(cmd, func(a *app) runner.Request {
				if byPriority {
					return priorityRequest(a)
				}
				return runner.Request{Trigger: cliTrigger}
			})
		},
	}
	cmd.Flags().Bool(byPriorityFlag, false, byPriorityFlagUsage)
	return cmd
}

func newRunPriorityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-priority",
		Short: "Run active tasks matching the priority and category filter and update reports/index.html",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, priorityRequest)
		},
	}
}

func newSingleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "single",
		Short: "Run only the first active task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, func(*app) runner.Request {
				return runner.Request{Single: true, Trigger: cliTrigger}
			})
		},
	}
}

func priorityRequest(a *app) runner.Request {
	return runner.Request{
		Selection:  a.cfg.Selection(),
		WriteIndex: true,
		Trigger:    cliTrigger,
	}
}

func runTasks(cmd *cobra.Command, build func(*app) runner.Request) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	req := build(a)
	rep, err := a.runner.Run(ctx, req)
	if rep.Artifact.HTMLPath != "" {
		a.logger.Info("report written",
			zap.String("html", rep.Artifact.HTMLPath),
			zap.String("json", rep.Artifact.JSONPath),
		)
	}
	if err != nil {
		var sourceErr *runner.SourceError
		if errors.As(err, &sourceErr) {
			return err
		}
		// The summary is already logged; keep the cause for the exit code.
		a.logger.Error("run did not finish cleanly", zap.Error(err))
		return &exitError{code: exitCode(err)}
	}
	if code := exitcodes.ForResult(rep.Result); code != exitcodes.Success {
		return &exitError{code: code}
	}
	return nil
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				encoder := yaml.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent(2)
				if err := encoder.Encode(cfg.Redacted()); err != nil {
					return fmt.Errorf("encode configuration: %w", err)
				}
				return encoder.Close()
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check that every required setting is present",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return configError(fmt.Errorf("invalid configuration:\n%w", err))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			},
		},
	)
	return cmd
}
