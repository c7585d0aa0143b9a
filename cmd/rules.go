package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"argus/bootstrap"
	"argus/config"
	"argus/core"
	"argus/detect"

	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule files",
	}
	rulesCmd.AddCommand(newRulesValidateCmd())
	rulesCmd.AddCommand(newRulesListCmd())
	return rulesCmd
}

// loadRulesForCLI loads the rule files named on the command line, or the
// configured ones when there are none. It also returns the loader warnings.
func loadRulesForCLI(paths []string) (*core.RuleSet, []string, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	_, sugar, err := bootstrap.InitLogger("error", "console")
	if err != nil {
		return nil, nil, err
	}
	loader, err := detect.NewLoader(cfg.Engine.RegexTimeout, sugar)
	if err != nil {
		return nil, nil, err
	}

	var rules *core.RuleSet
	if len(paths) == 0 {
		rules, err = loader.LoadPaths(cfg.Rules.File, cfg.Rules.Directory)
	} else {
		var docs []detect.Document
		if docs, err = detect.ReadDocuments(paths...); err == nil {
			rules, err = loader.Load(docs...)
		}
	}
	return rules, loader.Warnings(), err
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check rule files for errors",
		Long: `Load the rule files and report every configuration error: bad ids,
missing parents, cycles, invalid regexes, activation groups or unless
clauses, and rules that can never match.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			rules, warnings, err := loadRulesForCLI(args)
			for _, w := range warnings {
				warningColor.Fprintf(out, "warning: %s\n", w)
			}
			if err != nil {
				var list core.RuleErrors
				if errors.As(err, &list) {
					printRuleErrors(out, list)
					return fmt.Errorf("rule validation failed with %d error(s)", len(list))
				}
				return err
			}
			successColor.Fprintf(out, "%d rules OK\n", rules.Len())
			fmt.Fprintf(out, "  top-level: %d\n", len(rules.TopLevel))
			fmt.Fprintf(out, "  group rules: %d\n", len(rules.GroupRules))
			fmt.Fprintf(out, "  evaluation paths: %d\n", evaluationPaths(rules))
			return nil
		},
	}
}

// evaluationPaths counts the rule visits a full walk of the forest makes.
// It exceeds the rule count when children hang under several parents.
func evaluationPaths(rules *core.RuleSet) int {
	n := 0
	for _, roots := range [][]*core.Rule{rules.TopLevel, rules.GroupRules} {
		for _, r := range roots {
			r.Walk(func(*core.Rule) { n++ })
		}
	}
	return n
}

func printRuleErrors(out io.Writer, list core.RuleErrors) {
	errorColor.Fprintf(out, "%d rule error(s)\n", len(list))
	for _, e := range list {
		fmt.Fprintf(out, "  %s\n", e.Error())
	}
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [file...]",
		Short: "List the loaded rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, _, err := loadRulesForCLI(args)
			if err != nil {
				return err
			}
			renderRulesTable(cmd.OutOrStdout(), rules)
			return nil
		},
	}
}

func renderRulesTable(out io.Writer, rules *core.RuleSet) {
	headerColor.Fprintln(out, "RULES")
	headerColor.Fprintln(out, strings.Repeat("=", 100))
	fmt.Fprintf(out, "%-8s %-8s %-14s %-20s %s\n", "ID", "Prio", "Parents", "Trigger", "Description")
	fmt.Fprintln(out, strings.Repeat("-", 100))

	for _, id := range rules.IDs() {
		r, _ := rules.Rule(id)
		parents := "-"
		if len(r.ParentIDs) > 0 {
			ids := make([]string, len(r.ParentIDs))
			for i, p := range r.ParentIDs {
				ids[i] = fmt.Sprint(p)
			}
			parents = strings.Join(ids, ",")
		}

		trigger := "-"
		switch {
		case r.Unless != nil:
			trigger = fmt.Sprintf("unless %d", r.Unless.Target)
		case r.ActivationGroup != nil:
			trigger = fmt.Sprintf("%dx %s", r.ActivationGroup.Rate, r.ActivationGroup.GroupName)
		case r.TriggerGroup != "":
			trigger = "group " + r.TriggerGroup
		}

		desc := r.Description
		if len(desc) > 45 {
			desc = desc[:42] + "..."
		}
		fmt.Fprintf(out, "%-8d %-8d %-14s %-20s %s\n", r.ID, r.Priority, parents, trigger, desc)
	}

	fmt.Fprintln(out, strings.Repeat("=", 100))
	fmt.Fprintf(out, "Total: %d rules\n", rules.Len())
}
