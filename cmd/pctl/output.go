package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/protocold/internal/directive"
	httpapi "github.com/fyrsmithlabs/protocold/internal/http"
	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func statusStyle(s protocol.Status) lipgloss.Style {
	switch s {
	case protocol.StatusCompleted:
		return okStyle
	case protocol.StatusHalted:
		return warnStyle
	case protocol.StatusFailed, protocol.StatusAbandoned:
		return errorStyle
	default:
		return valueStyle
	}
}

func field(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label+":"), value)
}

// printState writes a summary of st.
func printState(w io.Writer, st *protocol.State) {
	if st == nil {
		return
	}
	fmt.Fprintln(w, headerStyle.Render(st.Key().String()))
	field(w, "status", statusStyle(st.Status).Render(string(st.Status)))
	field(w, "phase", valueStyle.Render(st.CurrentPhase))
	if len(st.CompletedPhases) > 0 {
		field(w, "completed", strings.Join(st.CompletedPhases, ", "))
	}
	field(w, "halt reason", st.HaltReason)
	field(w, "version", dimStyle.Render(fmt.Sprint(st.Version)))
}

// printDirective renders d as markdown.
func printDirective(w io.Writer, d *directive.Directive) error {
	if d == nil {
		return nil
	}
	text, err := directive.MarkdownRenderer{}.Render(d)
	if err != nil {
		return fmt.Errorf("failed to render directive: %w", err)
	}
	fmt.Fprintln(w)
	_, err = w.Write(text)
	return err
}

// printResult writes the outcome, the state and the next directive.
func printResult(w io.Writer, res *httpapi.ResultResponse) error {
	if res == nil {
		return nil
	}
	printState(w, res.State)
	field(w, "outcome", valueStyle.Render(string(res.Outcome)))
	for _, warning := range res.Warnings {
		fmt.Fprintln(w, warnStyle.Render("warning: ")+warning)
	}
	if res.Error != nil {
		fmt.Fprintln(w, errorStyle.Render(res.Error.Code+": ")+res.Error.Message)
	}
	return printDirective(w, res.Directive)
}

// printBlocked explains a blocked advance.
func printBlocked(w io.Writer, body httpapi.ErrorResponse) {
	fmt.Fprintln(w, warnStyle.Render("blocked: ")+body.Message)
	field(w, "artifact", body.Path)
	for _, p := range body.Problems {
		fmt.Fprintln(w, dimStyle.Render("  - ")+p)
	}
}
