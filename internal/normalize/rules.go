// Package normalize resolves raw entity names to canonical forms
// through a staged cascade: alias table, regex rules, similarity
// matching, and optional model confirmation.
package normalize

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Rule is one regex rewrite loaded from the rules file.
type Rule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Priority    int    `yaml:"priority"`
	Category    string `yaml:"category,omitempty"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return f.Rules, nil
}

type compiledRule struct {
	re   *regexp.Regexp
	rule Rule
}

// RuleNormalizer applies regex rewrites in descending priority order.
type RuleNormalizer struct {
	rules  []compiledRule
	logger *zap.Logger
}

// RuleOutcome is the result of one normalization pass.
type RuleOutcome struct {
	Output string
	// Applied counts rules that materially changed the string.
	Applied    int
	Categories []string
	Confidence float64
}

// NewRuleNormalizer compiles rules once, case-insensitive, sorted by
// descending priority. Ties keep file order.
func NewRuleNormalizer(rules []Rule, logger *zap.Logger) (*RuleNormalizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	compiled := make([]compiledRule, 0, len(ordered))
	for _, r := range ordered {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid rule pattern %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{re: re, rule: r})
	}

	return &RuleNormalizer{
		rules:  compiled,
		logger: logger.Named("normalize.rules"),
	}, nil
}

// Normalize runs every rule against name. Confidence is
// min(0.95, 0.7 + 0.1 × applied) when at least one rule fired, 0.5
// otherwise.
func (n *RuleNormalizer) Normalize(name string) RuleOutcome {
	out := RuleOutcome{Output: strings.TrimSpace(name)}

	for _, cr := range n.rules {
		replaced := cr.re.ReplaceAllString(out.Output, cr.rule.Replacement)
		if replaced == out.Output {
			continue
		}
		out.Output = strings.TrimSpace(replaced)
		out.Applied++
		if cr.rule.Category != "" {
			out.Categories = append(out.Categories, cr.rule.Category)
		}
	}

	if out.Applied > 0 {
		out.Confidence = 0.7 + 0.1*float64(out.Applied)
		if out.Confidence > 0.95 {
			out.Confidence = 0.95
		}
	} else {
		out.Confidence = 0.5
	}
	return out
}

// RuleCount returns the number of compiled rules.
func (n *RuleNormalizer) RuleCount() int {
	return len(n.rules)
}
