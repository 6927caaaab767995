package secrets

import (
	"regexp"
	"sort"
	"strings"
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) *Result
	IsEnabled() bool
}

// Result is the outcome of one Scrub call. It never holds matched values.
type Result struct {
	Scrubbed string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Finding locates one redacted secret.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool { return len(r.Findings) > 0 }

// Count returns the number of findings.
func (r *Result) Count() int { return len(r.Findings) }

// RuleIDs returns the matched rule IDs in sorted order.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type scrubber struct {
	enabled     bool
	replacement string
	rules       []compiledRule
	allow       []*regexp.Regexp
	leaks       *leakDetector
}

// New compiles cfg into a Scrubber. A nil cfg uses DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return NoopScrubber{}, nil
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	replacement := cfg.RedactionString
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	s := &scrubber{enabled: true, replacement: replacement, rules: rules, allow: allow}
	if cfg.Gitleaks {
		if s.leaks, err = newLeakDetector(allow); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type span struct{ start, end int }

// Scrub replaces every match with the redaction string. Overlapping
// matches from different rules collapse into one replacement.
func (s *scrubber) Scrub(content string) *Result {
	res := &Result{Scrubbed: content}
	var spans []span
	for _, r := range s.rules {
		if r.keywords != nil && !r.keywords.MatchString(content) {
			continue
		}
		for _, m := range r.re.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID:   r.ID,
				Severity: r.Severity,
				Line:     strings.Count(content[:m[0]], "\n") + 1,
			})
			if res.ByRule == nil {
				res.ByRule = make(map[string]int)
			}
			res.ByRule[r.ID]++
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if s.leaks != nil {
		spans = s.scrubLeaks(content, res, spans)
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for i := 0; i < len(spans); {
		cur := spans[i]
		for i++; i < len(spans) && spans[i].start <= cur.end; i++ {
			cur.end = max(cur.end, spans[i].end)
		}
		b.WriteString(content[pos:cur.start])
		b.WriteString(s.replacement)
		pos = cur.end
	}
	b.WriteString(content[pos:])
	res.Scrubbed = b.String()
	return res
}

// scrubLeaks adds a span for every occurrence of each gitleaks secret.
func (s *scrubber) scrubLeaks(content string, res *Result, spans []span) []span {
	for _, l := range s.leaks.find(content) {
		if s.allowed(l.secret) {
			continue
		}
		first := strings.Index(content, l.secret)
		if first < 0 {
			continue
		}
		res.Findings = append(res.Findings, Finding{
			RuleID:   l.ruleID,
			Severity: SeverityHigh,
			Line:     strings.Count(content[:first], "\n") + 1,
		})
		if res.ByRule == nil {
			res.ByRule = make(map[string]int)
		}
		res.ByRule[l.ruleID]++
		for at := first; at >= 0; {
			end := at + len(l.secret)
			spans = append(spans, span{at, end})
			next := strings.Index(content[end:], l.secret)
			if next < 0 {
				break
			}
			at = end + next
		}
	}
	return spans
}

func (s *scrubber) IsEnabled() bool { return s.enabled }

func (s *scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// NoopScrubber returns content unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result { return &Result{Scrubbed: content} }

func (NoopScrubber) IsEnabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = NoopScrubber{}
)
