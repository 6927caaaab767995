package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

// Config configures the scrubber. It is decoded from the "secrets"
// section.
type Config struct {
	Enabled         bool     `koanf:"enabled"`
	Rules           []Rule   `koanf:"rules"`
	RedactionString string   `koanf:"redaction_string"`
	AllowList       []string `koanf:"allow_list"`

	// Gitleaks adds the gitleaks default rule set on top of Rules.
	Gitleaks bool `koanf:"gitleaks"`
}

// Rule is one detection pattern. When Keywords is non-empty the rule only
// runs on content mentioning at least one of them, case-insensitively.
type Rule struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Pattern     string   `koanf:"pattern"`
	Keywords    []string `koanf:"keywords"`
	Severity    string   `koanf:"severity"`
}

// DefaultConfig enables the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
	}
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	keywords *regexp.Regexp
}

// compile validates c and returns its compiled rules and allow list.
func (c *Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := make([]compiledRule, 0, len(c.Rules))
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: pattern is required", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		cr := compiledRule{Rule: r, re: re}
		if len(r.Keywords) > 0 {
			alts := make([]string, len(r.Keywords))
			for j, kw := range r.Keywords {
				alts[j] = regexp.QuoteMeta(kw)
			}
			cr.keywords = regexp.MustCompile("(?i)" + strings.Join(alts, "|"))
		}
		rules = append(rules, cr)
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		allow = append(allow, re)
	}
	return rules, allow, nil
}
