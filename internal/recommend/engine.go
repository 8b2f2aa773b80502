// Package recommend maps the first failure of a diagnostic run to an
// operator-facing diagnosis.
package recommend

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
)

// AllPassedMessage is returned when a run has no failure.
const AllPassedMessage = "All layers passed. No action required."

// Rule maps an error signature to a recommendation. Empty match fields match
// anything; Contains matches when any listed substring occurs in the error
// text, case-insensitively.
type Rule struct {
	ID             string   `yaml:"id"`
	Layer          string   `yaml:"layer"`
	Class          string   `yaml:"class"`
	Contains       []string `yaml:"contains"`
	When           string   `yaml:"when"`
	Recommendation string   `yaml:"recommendation"`
}

// RuleFile is the YAML root of a rule pack.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ruleEnv is the variable set visible to "when" conditions.
type ruleEnv struct {
	Layer  string `expr:"layer"`
	Test   string `expr:"test"`
	Error  string `expr:"error"`
	Class  string `expr:"class"`
	Failed int    `expr:"failed"`
	Total  int    `expr:"total"`
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// Engine evaluates rule-pack rules first, then the built-in rules, then the
// generic fallback.
type Engine struct {
	rules  []compiledRule
	logger logger.Logger
}

// NewEngine returns an engine with the built-in rules only.
func NewEngine(log logger.Logger) *Engine {
	e := &Engine{logger: log}
	for _, r := range builtinRules {
		e.rules = append(e.rules, compiledRule{Rule: r})
	}
	return e
}

// LoadEngine reads an optional YAML rule pack. An empty path or a missing
// file yields the built-in engine; malformed rules are load errors.
func LoadEngine(path string, log logger.Logger) (*Engine, error) {
	base := NewEngine(log)
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Rule pack not found, using built-in rules", "path", path)
			return base, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode rule pack: %w", err)
	}

	custom := make([]compiledRule, 0, len(file.Rules))
	for i, r := range file.Rules {
		if strings.TrimSpace(r.Recommendation) == "" {
			return nil, fmt.Errorf("rule %d (%s): recommendation is empty", i+1, r.ID)
		}
		cr := compiledRule{Rule: r}
		if cond := strings.TrimSpace(r.When); cond != "" {
			program, err := expr.Compile(cond, expr.Env(ruleEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): compile condition: %w", i+1, r.ID, err)
			}
			cr.program = program
		}
		custom = append(custom, cr)
	}
	base.rules = append(custom, base.rules...)
	log.Info("Rule pack loaded", "path", path, "rules", len(custom))
	return base, nil
}

// Recommend is total and deterministic: it always returns a non-empty string
// and the same inputs always produce the same output.
func (e *Engine) Recommend(fp *probe.FailurePoint, results []probe.LayerTestResult) string {
	if fp == nil {
		return AllPassedMessage
	}
	env := ruleEnv{
		Layer: string(fp.Layer),
		Test:  fp.TestName,
		Error: fp.Error,
		Class: string(fp.Class),
		Total: len(results),
	}
	for _, r := range results {
		if r.Failed() {
			env.Failed++
		}
	}

	if e != nil {
		for _, rule := range e.rules {
			if e.matches(rule, env) {
				return rule.Recommendation
			}
		}
	}
	return Fallback(fp)
}

// Fallback is the generic recommendation used when no rule matches.
func Fallback(fp *probe.FailurePoint) string {
	msg := fmt.Sprintf("Inspect the %s layer configuration for test %q.", fp.Layer, fp.TestName)
	if strings.TrimSpace(fp.Error) != "" {
		msg += " Error: " + fp.Error
	}
	return msg
}

func (e *Engine) matches(rule compiledRule, env ruleEnv) bool {
	if rule.Layer != "" && !strings.EqualFold(rule.Layer, env.Layer) {
		return false
	}
	if rule.Class != "" && !strings.EqualFold(rule.Class, env.Class) {
		return false
	}
	if len(rule.Contains) > 0 && !containsAny(env.Error, rule.Contains) {
		return false
	}
	if rule.program != nil {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("Rule condition failed, rule skipped", "rule", rule.ID, "error", err)
			}
			return false
		}
		if ok, _ := out.(bool); !ok {
			return false
		}
	}
	return true
}

func containsAny(text string, needles []string) bool {
	lower := strings.ToLower(text)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
