package directive

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Renderer turns a directive into the text an executor consumes.
type Renderer interface {
	Render(d *Directive) ([]byte, error)
	ContentType() string
}

// JSONRenderer renders the directive as JSON.
type JSONRenderer struct {
	Indent bool
}

func (r JSONRenderer) Render(d *Directive) ([]byte, error) {
	if r.Indent {
		return json.MarshalIndent(d, "", "  ")
	}
	return json.Marshal(d)
}

func (JSONRenderer) ContentType() string { return "application/json" }

// MarkdownRenderer renders the directive as markdown for agent hosts.
type MarkdownRenderer struct{}

func (MarkdownRenderer) ContentType() string { return "text/markdown; charset=utf-8" }

func (MarkdownRenderer) Render(d *Directive) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s: %s\n\n", d.Kind, title(d))
	fmt.Fprintf(&b, "- session: `%s`\n", d.SessionID)
	fmt.Fprintf(&b, "- action: `%s`\n", d.Action)
	if d.Phase != "" {
		fmt.Fprintf(&b, "- phase: `%s`", d.Phase)
		if d.PhaseType != "" {
			fmt.Fprintf(&b, " (%s)", d.PhaseType)
		}
		b.WriteString("\n")
	}
	if it := d.Iteration; it != nil {
		fmt.Fprintf(&b, "- iteration: %d/%d `%s` of `%s`\n", it.Index, it.Total, it.Label, it.Parent)
	}
	fmt.Fprintf(&b, "- state version: %d\n- directive: `%s`\n", d.StateVersion, d.ID)

	if d.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", d.Description)
	}
	if d.Reason != "" {
		fmt.Fprintf(&b, "\n**Reason:** %s\n", d.Reason)
	}

	if len(d.Steps) > 0 {
		b.WriteString("\n## Steps\n\n")
		for i, s := range d.Steps {
			fmt.Fprintf(&b, "%d. `%s` (%s)", i+1, s.ID, s.Kind)
			if s.Description != "" {
				fmt.Fprintf(&b, ": %s", s.Description)
			}
			b.WriteString("\n")
		}
	}

	if len(d.Branches) > 0 {
		b.WriteString("\n## Branches\n\n")
		for _, br := range d.Branches {
			fmt.Fprintf(&b, "- `%s` %s, session `%s`", br.ID, br.Outcome, br.SessionID)
			if br.Kind != "" {
				fmt.Fprintf(&b, ", kind `%s`", br.Kind)
			}
			b.WriteString("\n")
		}
	}

	if g := d.Remediation; g != nil {
		b.WriteString("\n## Remediation\n\n")
		fmt.Fprintf(&b, "Attempt %d of %d requested by `%s`: %s\n", g.Attempt, g.Max, g.Phase, g.Reason)
		if len(g.History) > 1 {
			b.WriteString("\nEarlier failures:\n\n")
			for _, h := range g.History[:len(g.History)-1] {
				fmt.Fprintf(&b, "- %s\n", h)
			}
		}
	}

	if a := d.Artifact; a != nil {
		b.WriteString("\n## Artifact\n\n")
		fmt.Fprintf(&b, "Write `%s` with these sections in order:\n\n", a.Path)
		for _, s := range a.Sections {
			fmt.Fprintf(&b, "- `## %s`\n", s)
		}
		fmt.Fprintf(&b, "\nEnd the file with `%s`.\n", a.Marker)
	}

	if len(d.Context) > 0 {
		b.WriteString("\n## Context\n")
		keys := make([]string, 0, len(d.Context))
		for k := range d.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n### %s\n\n```json\n%s\n```\n", k, d.Context[k])
		}
		if len(d.Truncated) > 0 {
			fmt.Fprintf(&b, "\nTruncated: %s\n", strings.Join(d.Truncated, ", "))
		}
	}

	if len(d.Gaps) > 0 {
		b.WriteString("\n## Gaps\n\n")
		for _, g := range d.Gaps {
			fmt.Fprintf(&b, "- `%s`: %s\n", g.Phase, g.Reason)
		}
	}

	return []byte(b.String()), nil
}

func title(d *Directive) string {
	switch d.Action {
	case ActionComplete:
		return "complete"
	case ActionFailed:
		return "failed"
	case ActionAwaitInput:
		return "waiting for input"
	case ActionRunBranches:
		return "run branches of " + d.Phase
	case ActionMerge:
		return "merge in " + d.Phase
	default:
		return "execute " + d.Phase
	}
}
