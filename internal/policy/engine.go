// Package policy provides the CEL rule engine the validator runs after the
// built-in checks, plus built-in presets. Rules see a map view of the
// proposal and the check results, so operators can tighten admission
// (never loosen it) without a code change.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/patchgate/patchgate/internal/checker"
	"github.com/patchgate/patchgate/internal/proposal"
)

// Config from yaml
type Config struct {
	Name  string `yaml:"name"`
	Rules []Rule `yaml:"rules"`
}

// Rule cel rule
type Rule struct {
	Name       string `yaml:"name"`
	Expr       string `yaml:"expr"`
	FailureMsg string `yaml:"failure_msg"`
}

// RuleResult eval result
type RuleResult struct {
	RuleName   string
	Passed     bool
	FailureMsg string
}

// Engine is the policy evaluation engine using CEL
type Engine struct {
	env *cel.Env
}

func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Evaluate runs every rule in config against the proposal and its structural
// result. A rule that fails to compile or evaluate counts as failed, never
// as passed.
func (e *Engine) Evaluate(config *Config, p *proposal.Proposal, structural checker.Result) ([]RuleResult, error) {
	input := inputMap(p, structural)

	results := make([]RuleResult, 0, len(config.Rules))
	for _, rule := range config.Rules {
		result, err := e.evaluateRule(rule, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rule %q: %w", rule.Name, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// AllPassed reports whether every rule passed.
func AllPassed(results []RuleResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (e *Engine) evaluateRule(rule Rule, input map[string]interface{}) (RuleResult, error) {
	ast, issues := e.env.Compile(rule.Expr)
	if issues != nil && issues.Err() != nil {
		return RuleResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("CEL compile error: %v", issues.Err()),
		}, nil
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return RuleResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("CEL program error: %v", err),
		}, nil
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input": input,
	})
	if err != nil {
		return RuleResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("CEL evaluation error: %v", err),
		}, nil
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return RuleResult{
			RuleName:   rule.Name,
			Passed:     false,
			FailureMsg: fmt.Sprintf("Rule expression must return boolean, got %T", out.Value()),
		}, nil
	}

	result := RuleResult{RuleName: rule.Name, Passed: passed}
	if !passed {
		result.FailureMsg = rule.FailureMsg
	}
	return result, nil
}

// CompileAndValidate compiles every rule without evaluating, for config
// linting at startup.
func (e *Engine) CompileAndValidate(config *Config) error {
	var errors []string
	for _, rule := range config.Rules {
		_, issues := e.env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			errors = append(errors, fmt.Sprintf("rule %q: %v", rule.Name, issues.Err()))
		}
	}
	if len(errors) > 0 {
		return fmt.Errorf("policy validation failed:\n  %s", strings.Join(errors, "\n  "))
	}
	return nil
}

// inputMap converts the proposal and structural result for CEL.
func inputMap(p *proposal.Proposal, structural checker.Result) map[string]interface{} {
	files := make([]interface{}, len(p.TargetFiles))
	for i, f := range p.TargetFiles {
		hunks := make([]interface{}, len(f.Hunks))
		for j, h := range f.Hunks {
			hunks[j] = map[string]interface{}{
				"start_line": h.StartLine,
				"end_line":   h.EndLine,
				"old_count":  len(h.OldLines),
				"new_count":  len(h.NewLines),
			}
		}
		files[i] = map[string]interface{}{
			"path":  f.Path,
			"hunks": hunks,
		}
	}

	return map[string]interface{}{
		"change_type":   string(p.ChangeType),
		"risk_level":    string(p.RiskLevel),
		"rationale":     p.Rationale,
		"target_files":  files,
		"files_changed": len(p.TargetFiles),
		"lines_changed": structural.TotalLinesChanged,
		"dep_gate":      structural.DependencyGateTriggered,
		"hard_blocked":  structural.HardBlocked,
		"warnings":      stringSliceToInterface(structural.Warnings),
	}
}

// stringSliceToInterface
func stringSliceToInterface(s []string) []interface{} {
	result := make([]interface{}, len(s))
	for i, v := range s {
		result[i] = v
	}
	return result
}
