// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/graph"
	"github.com/AleutianAI/depgraph/services/depgraph/layers"
	"github.com/AleutianAI/depgraph/services/depgraph/query"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Recompute issues and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.engine.Analyze(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newDigestCmd(a *app) *cobra.Command {
	var opts query.DigestOptions
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print a token-bounded overview of the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.engine.Digest(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "Only include paths under this prefix")
	cmd.Flags().IntVar(&opts.TokenBudget, "budget", 0, "Token budget (0 = configured default)")
	return cmd
}

func newIssuesCmd(a *app) *cobra.Command {
	var (
		q        query.IssueQuery
		kind     string
		severity string
		stored   bool
	)
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List issues, most severe first",
		Long: `List issues filtered by kind, severity, and path prefix.

Issues are recomputed from the graph first unless --stored is given, in
which case the issues embedded in the graph document are listed as-is.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.Kind = graph.IssueKind(kind)
			if q.Kind != "" && !q.Kind.Valid() {
				return fmt.Errorf("unknown issue kind %q", kind)
			}
			q.Severity = graph.Severity(severity)
			if q.Severity != "" && !q.Severity.Valid() {
				return fmt.Errorf("unknown severity %q", severity)
			}
			if !stored {
				if _, err := a.engine.Analyze(cmd.Context()); err != nil {
					return err
				}
			}
			list, err := a.engine.Issues(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Issue kind, e.g. CYCLE_RISK")
	cmd.Flags().StringVar(&severity, "severity", "", "Severity: info, warning, error")
	cmd.Flags().StringVar(&q.Scope, "scope", "", "Only include paths under this prefix")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum issues to print (0 = default 25)")
	cmd.Flags().BoolVar(&stored, "stored", false, "List stored issues without re-analyzing")
	return cmd
}

func newImpactCmd(a *app) *cobra.Command {
	var opts query.ImpactOptions
	cmd := &cobra.Command{
		Use:   "impact <file-or-node-id>",
		Short: "Show what depends on a file and how risky changing it is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			impact, err := a.engine.Impact(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), impact)
		},
	}
	cmd.Flags().IntVar(&opts.Depth, "depth", 0, "Dependent hops to count (0 = default 3, max 10)")
	return cmd
}

func newCyclesCmd(a *app) *cobra.Command {
	var opts cycles.Options
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "List circular import dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), a.engine.FindCycles(opts))
		},
	}
	cmd.Flags().IntVar(&opts.MinLength, "min-length", 0, "Smallest cycle reported (0 = default 2)")
	cmd.Flags().IntVar(&opts.MaxCycles, "max", 0, "Maximum cycles reported (0 = default 100)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "Glob limiting which source files are considered")
	return cmd
}

func newLayersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Check or suggest architectural layer rules",
	}

	var check layers.CheckOptions
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "List imports that break a layer rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), a.engine.CheckLayers(check))
		},
	}
	checkCmd.Flags().StringVar(&check.Scope, "scope", "", "Glob limiting which source files are checked")

	suggestCmd := &cobra.Command{
		Use:   "suggest",
		Short: "Propose rules from the directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), layers.RulesFile{Rules: a.engine.SuggestLayerRules()})
		},
	}

	cmd.AddCommand(checkCmd, suggestCmd)
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store, reachability, and cache counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), a.engine.Stats())
		},
	}
}
