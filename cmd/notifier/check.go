package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"notifier/internal/config"
)

func checkCmd(flags *sourceFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print a rule summary",
		Long: `Load the configuration exactly as serve would, run every validation
and print the resolved backends and rules without connecting to anything.

Examples:
  notifier check --config-file notifier.toml
  notifier check --config-dir ./conf.d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := flags.source()
			if err != nil {
				return err
			}
			cfg, err := config.LoadSnapshot(source)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

// printSummary writes a human-readable view of the loaded config.
// Params: output writer and validated config.
// Returns: none.
func printSummary(out io.Writer, cfg config.Config) {
	_, _ = fmt.Fprintf(out, "mode: %s\n", cfg.Service.Mode)
	_, _ = fmt.Fprintf(out, "store: %s dedup: %s digest: %s notify_log: %s\n",
		cfg.Store.Backend, cfg.Dedup.Backend, cfg.Digest.Backend, strings.Join(cfg.NotifyLog.Backends, ","))
	_, _ = fmt.Fprintf(out, "rules: %d users: %d\n", len(cfg.Rule), len(cfg.User))

	ruleList := append([]config.RuleConfig(nil), cfg.Rule...)
	sort.SliceStable(ruleList, func(i, j int) bool {
		if ruleList[i].EventType != ruleList[j].EventType {
			return ruleList[i].EventType < ruleList[j].EventType
		}
		return ruleList[i].Priority > ruleList[j].Priority
	})
	for _, rule := range ruleList {
		state := "active"
		if !rule.Active {
			state = "inactive"
		}
		_, _ = fmt.Fprintf(out, "  %s org=%s event=%s priority=%d conditions=%d %s\n",
			rule.ID, rule.OrgID, rule.EventType, rule.Priority, len(rule.Conditions), state)
	}
}
