// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layers

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/depgraph/services/depgraph/graph"
)

// ErrInvalidRule is returned when a rule fails validation.
var ErrInvalidRule = errors.New("invalid layer rule")

// =============================================================================
// Shared Validator Instance
// =============================================================================

var ruleValidate = validator.New()

// Rule forbids files matching From from importing files matching CannotImport.
//
// From and CannotImport are globs: "**" crosses path separators, "*" stays
// within one segment, "?" matches one character.
type Rule struct {
	// Name identifies the rule in violations and issue IDs.
	Name string `yaml:"name" json:"name" validate:"required"`

	// From selects the importing files.
	From string `yaml:"from" json:"from" validate:"required"`

	// CannotImport selects the forbidden import targets.
	CannotImport string `yaml:"cannotImport" json:"cannotImport" validate:"required"`

	// Severity of the resulting issue. Default: warning.
	Severity graph.Severity `yaml:"severity" json:"severity" validate:"omitempty,oneof=info warning error"`

	// Description explains the intent of the rule.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// MustGoThrough lists the layers an import is expected to pass through.
	// It is carried as metadata and shown in suggestions; it does not
	// suppress violations.
	MustGoThrough []string `yaml:"mustGoThrough,omitempty" json:"mustGoThrough,omitempty"`
}

// normalize fills defaults and validates the rule.
func (r Rule) normalize() (Rule, error) {
	if r.Severity == "" {
		r.Severity = graph.SeverityWarning
	}
	if err := ruleValidate.Struct(r); err != nil {
		return Rule{}, fmt.Errorf("%w %q: %w", ErrInvalidRule, r.Name, err)
	}
	r.MustGoThrough = append([]string(nil), r.MustGoThrough...)
	return r, nil
}

func normalizeAll(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		n, err := r.normalize()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// RulesFile is the on-disk YAML layout for layer rules.
//
//	rules:
//	  - name: ui-no-db
//	    from: "src/ui/**"
//	    cannotImport: "src/db/**"
//	    severity: error
type RulesFile struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadRulesFile reads and validates a YAML rules file.
//
// Errors:
//
//	Read and parse failures are wrapped with the path. Validation failures
//	wrap ErrInvalidRule.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	rules, err := normalizeAll(file.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return rules, nil
}
