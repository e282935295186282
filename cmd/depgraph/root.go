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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/AleutianAI/depgraph/pkg/logging"
	"github.com/AleutianAI/depgraph/services/depgraph"
	"github.com/AleutianAI/depgraph/services/depgraph/config"
)

// errNoGraph is returned when a command needs a graph and --graph is unset.
var errNoGraph = errors.New("--graph is required")

// =============================================================================
// APPLICATION STATE
// =============================================================================

// app holds flag values and the engine shared by every subcommand.
type app struct {
	graphPath  string
	configPath string
	rulesPath  string
	logLevel   string
	metrics    bool

	logger   *logging.Logger
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	engine   *depgraph.Engine
}

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "depgraph",
		Short: "Query a codebase dependency graph",
		Long: `depgraph loads a serialized dependency graph (nodes, edges, issues)
and answers questions about it: what is unreachable, where the circular
dependencies are, which imports break layering rules, and what breaks if a
file changes.

Examples:
  depgraph --graph graph.json digest --scope src/
  depgraph --graph graph.json issues --severity error
  depgraph --graph graph.json impact src/db/connection.ts --depth 5
  depgraph --graph graph.json --rules layers.yaml layers check`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.graphPath, "graph", "", "Serialized graph JSON document")
	flags.StringVar(&a.configPath, "config", "", "YAML config file (DEPGRAPH_* env vars override)")
	flags.StringVar(&a.rulesPath, "rules", "", "Layer rules YAML file (overrides rules.file)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides logging.level)")
	flags.BoolVar(&a.metrics, "metrics", false, "Dump Prometheus metrics to stderr on exit")

	root.AddCommand(
		newAnalyzeCmd(a),
		newDigestCmd(a),
		newIssuesCmd(a),
		newImpactCmd(a),
		newCyclesCmd(a),
		newLayersCmd(a),
		newStatsCmd(a),
	)
	return root
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.graphPath == "" {
		return errNoGraph
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.rulesPath != "" {
		cfg.Rules.File = a.rulesPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	// A one-shot command has nothing to hot-reload.
	cfg.Rules.Watch = false

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.Logging.JSON,
		LogDir:  cfg.Logging.Dir,
		Service: "depgraph",
		Output:  cmd.ErrOrStderr(),
	})

	a.registry = prometheus.NewRegistry()
	if a.meters, err = newMeterProvider(a.registry); err != nil {
		return err
	}
	a.engine, err = depgraph.NewEngine(cfg,
		depgraph.WithLogger(a.logger.Slog()),
		depgraph.WithRegisterer(a.registry),
		depgraph.WithMeterProvider(a.meters),
	)
	if err != nil {
		return err
	}

	f, err := os.Open(a.graphPath)
	if err != nil {
		return fmt.Errorf("opening graph: %w", err)
	}
	defer f.Close()
	if err := a.engine.LoadGraph(f); err != nil {
		return fmt.Errorf("loading graph %s: %w", a.graphPath, err)
	}
	return nil
}

func (a *app) teardown(stderr io.Writer) error {
	var errs []error
	if a.metrics && a.registry != nil {
		errs = append(errs, dumpMetrics(stderr, a.registry))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.meters != nil {
		errs = append(errs, a.meters.Shutdown(context.Background()))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// newMeterProvider bridges OpenTelemetry instruments into reg so that
// --metrics shows them next to the Prometheus collectors.
func newMeterProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(mp)
	return mp, nil
}

// dumpMetrics writes every gathered family in the Prometheus text format.
func dumpMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
