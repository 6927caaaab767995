package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validArtifact(producer string) string {
	return strings.Join([]string{
		"# Report",
		"## Context Loaded",
		"Read plan.md and the repository layout.",
		"## Work Summary",
		"Implemented the parser.",
		"### Details",
		"Handled nested lists.",
		"## Open Questions",
		"- unknown: whether CRLF input occurs",
		"## Downstream Directives",
		"Reviewer should check error paths.",
		MarkerFor(producer),
		"",
	}, "\n")
}

func writeArtifact(t *testing.T, root, session, producer, content string) string {
	t.Helper()
	path := Path(root, session, producer)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMarkerFor(t *testing.T) {
	assert.Equal(t, "<!-- DEEP_RESEARCH_COMPLETE -->", MarkerFor("deep-research"))
	assert.Equal(t, "<!-- EXECUTE_1_COMPLETE -->", MarkerFor("execute.1"))
	assert.NotEqual(t, MarkerFor("plan"), MarkerFor("planner"))
}

func TestVerifyValidArtifact(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "task-1", "work", validArtifact("work"))

	v := NewVerifier(root, nil)
	report, err := v.Verify(context.Background(), "task-1", NewContract("work", nil))
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	assert.Equal(t, filepath.Join(root, "task-1", "work.md"), report.Path)
}

func TestVerifyMissingFile(t *testing.T) {
	v := NewVerifier(t.TempDir(), nil)
	report, err := v.Verify(context.Background(), "task-1", NewContract("work", nil))
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"artifact not found"}, report.Problems)
}

func TestVerifyOversizedArtifact(t *testing.T) {
	root := t.TempDir()
	body := validArtifact("work")
	padded := strings.Replace(body, "Implemented the parser.",
		"Implemented the parser.\n"+strings.Repeat("x", MaxArtifactSize), 1)
	writeArtifact(t, root, "task-1", "work", padded)

	report, err := NewVerifier(root, nil).Verify(context.Background(), "task-1", NewContract("work", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"artifact exceeds 4194304 bytes"}, report.Problems)

	writeArtifact(t, root, "task-1", "work", body)
	report, err = NewVerifier(root, nil).Verify(context.Background(), "task-1", NewContract("work", nil))
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
}

func TestIncomplete(t *testing.T) {
	partial := strings.TrimSuffix(validArtifact("work"), MarkerFor("work")+"\n")
	report := &Report{}
	Check(partial, NewContract("work", nil), report)
	assert.True(t, Incomplete(report.Problems))

	report = &Report{}
	Check("# Work\n\ndone\n"+MarkerFor("work")+"\n", NewContract("work", nil), report)
	require.False(t, report.OK())
	assert.False(t, Incomplete(report.Problems), "terminated artifact with missing sections is final")

	assert.True(t, Incomplete([]string{"artifact not found"}))
	assert.False(t, Incomplete(nil))
}

func TestVerifyProblems(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		problem string
	}{
		{
			name:    "missing marker",
			mutate:  func(s string) string { return strings.Replace(s, MarkerFor("work"), "", 1) },
			problem: "completion marker",
		},
		{
			name:    "other producer marker",
			mutate:  func(s string) string { return strings.Replace(s, MarkerFor("work"), MarkerFor("review"), 1) },
			problem: "completion marker",
		},
		{
			name:    "missing section",
			mutate:  func(s string) string { return strings.Replace(s, "## Open Questions\n- unknown: whether CRLF input occurs\n", "", 1) },
			problem: `section "Open Questions" missing`,
		},
		{
			name:    "empty section",
			mutate:  func(s string) string { return strings.Replace(s, "Implemented the parser.\n### Details\nHandled nested lists.\n", "  \n", 1) },
			problem: `section "Work Summary" empty`,
		},
		{
			name: "out of order",
			mutate: func(s string) string {
				oq := "## Open Questions\n- unknown: whether CRLF input occurs\n"
				s = strings.Replace(s, oq, "", 1)
				return strings.Replace(s, "## Work Summary\n", oq+"## Work Summary\n", 1)
			},
			problem: `section "Open Questions" out of order`,
		},
		{
			name: "section after marker",
			mutate: func(s string) string {
				s = strings.Replace(s, "## Downstream Directives\nReviewer should check error paths.\n", "", 1)
				return s + "## Downstream Directives\ntoo late\n"
			},
			problem: `section "Downstream Directives" missing`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &Report{}
			Check(tt.mutate(validArtifact("work")), NewContract("work", nil), report)
			require.False(t, report.OK())
			assert.Contains(t, strings.Join(report.Problems, "\n"), tt.problem)
		})
	}
}

func TestCheckBudgetIsWarning(t *testing.T) {
	content := strings.Replace(validArtifact("work"),
		"- unknown: whether CRLF input occurs",
		strings.Repeat("x", DefaultOpenQuestionsBudget+1), 1)

	report := &Report{}
	Check(content, NewContract("work", nil), report)
	assert.True(t, report.OK())
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "Open Questions")
}

func TestContractForProducer(t *testing.T) {
	c := NewContract("execute", []Section{{Heading: "Result"}})
	sub := c.ForProducer("execute-a")
	assert.Equal(t, "execute-a", sub.Producer)
	assert.Equal(t, MarkerFor("execute-a"), sub.Marker)
	assert.Equal(t, c.Sections, sub.Sections)
}
