package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"argus/bootstrap"
	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/ingest"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckCmd() *cobra.Command {
	var (
		rulesFile string
		trace     bool
	)
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Match messages from standard input against the rules",
		Long: `Read one message per line from standard input, run it through the rules
and print which rule matched, the extracted fields and what the daemon
would do with it. Nothing is written to any sink.

Activation groups and unless timers keep their state across the lines of
one run.`,
		Example: `  echo 'Failed password for root from 10.0.0.1' | argus check
  argus check --rules ./rules.yml --trace < auth.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if rulesFile != "" {
				cfg.Rules.File = rulesFile
				cfg.Rules.Directory = ""
			}

			level := "warn"
			if trace {
				level = "debug"
			}
			_, sugar, err := bootstrap.InitLogger(level, "console")
			if err != nil {
				return err
			}

			rules, err := detect.LoadRuleSet(cfg.Rules.File, cfg.Rules.Directory, cfg.Engine.RegexTimeout, sugar)
			if err != nil {
				return err
			}
			var opts []detect.EngineOption
			if trace {
				opts = append(opts, detect.WithTrace())
			}
			engine := detect.NewEngine(rules, detect.NewRuleStateStore(), sugar, opts...)
			return checkMessages(cmd.InOrStdin(), cmd.OutOrStdout(), engine, cfg.Engine.LogPriority, sugar)
		},
	}
	checkCmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "Rules file to check against instead of the configured rules")
	checkCmd.Flags().BoolVar(&trace, "trace", false, "Log every rule tried")
	return checkCmd
}

func checkMessages(in io.Reader, out io.Writer, engine *detect.Engine, minPriority uint32, logger *zap.SugaredLogger) error {
	reader := ingest.NewLineReader(in, logger)
	for {
		se, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		ev := core.NewEvent(se, time.Now())
		if err := engine.Process(ev); err != nil {
			return err
		}
		printCheckResult(out, ev, minPriority, logger)
	}
}

func printCheckResult(out io.Writer, ev *core.Event, minPriority uint32, logger *zap.SugaredLogger) {
	headerColor.Fprintf(out, "> %s\n", ev.LogStr)
	if format := ev.Traits[core.TraitFormat]; format != "" {
		fmt.Fprintf(out, "  Format: %s\n", format)
	}
	if ev.RuleID == 0 {
		warningColor.Fprintln(out, "  No rule matched")
		fmt.Fprintln(out)
		return
	}

	infoColor.Fprintf(out, "  Rule %d (priority %d): %s\n", ev.RuleID, ev.Priority, ev.Description)
	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "  Fields:")
		for _, k := range keys {
			fmt.Fprintf(out, "    %s: %s\n", k, ev.Fields[k])
		}
	}
	if groups := ev.SortedGroups(); len(groups) > 0 {
		fmt.Fprintf(out, "  Groups: %s\n", strings.Join(groups, ", "))
	}

	if !ev.ShouldAlert(minPriority) {
		fmt.Fprintf(out, "  Below alert priority %d\n\n", minPriority)
		return
	}
	successColor.Fprintln(out, "  Would create alert")
	for _, c := range detect.Interventions(ev, logger) {
		errorColor.Fprintf(out, "  Would fire intervention %s %s\n", c.Name, c.Argument)
	}
	fmt.Fprintln(out)
}
