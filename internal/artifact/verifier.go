package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
)

// MaxArtifactSize caps how much of an artifact is read.
const MaxArtifactSize = 4 * 1024 * 1024

var errArtifactTooLarge = errors.New("artifact too large")

const (
	problemNotFound     = "artifact not found"
	problemMarkerPrefix = "completion marker "
)

// Report is the outcome of verifying one artifact.
type Report struct {
	Path     string   `json:"path"`
	Problems []string `json:"problems,omitempty"`
	// Warnings do not fail verification (e.g. a section over its size budget).
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether the artifact satisfies its contract.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Incomplete reports whether problems describe an artifact that is missing
// or not yet terminated by its completion marker, as seen while a producer
// is still writing it.
func Incomplete(problems []string) bool {
	for _, p := range problems {
		if p == problemNotFound || strings.HasPrefix(p, problemMarkerPrefix) {
			return true
		}
	}
	return false
}

// Verifier checks artifacts under a root directory.
type Verifier struct {
	root   string
	logger *zap.Logger
}

// NewVerifier creates a Verifier rooted at root. If logger is nil a no-op
// logger is used.
func NewVerifier(root string, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{root: root, logger: logger.Named("artifact")}
}

// Root returns the artifact root directory.
func (v *Verifier) Root() string {
	return v.root
}

// PathFor returns where producer's artifact for sessionID is expected.
func (v *Verifier) PathFor(sessionID, producer string) string {
	return Path(v.root, sessionID, producer)
}

// Verify checks the artifact for contract c. A missing file is reported as a
// problem; only unexpected I/O failures are returned as errors.
func (v *Verifier) Verify(ctx context.Context, sessionID string, c Contract) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := v.PathFor(sessionID, c.Producer)
	report := &Report{Path: path}

	content, err := readLimited(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.Problems = append(report.Problems, problemNotFound)
			return report, nil
		case errors.Is(err, errArtifactTooLarge):
			report.Problems = append(report.Problems, fmt.Sprintf("artifact exceeds %d bytes", MaxArtifactSize))
			return report, nil
		}
		return nil, fmt.Errorf("reading artifact %s: %w", path, err)
	}

	Check(string(content), c, report)

	if !report.OK() {
		v.logger.Debug("artifact rejected",
			zap.String("path", path),
			zap.String("producer", c.Producer),
			zap.Strings("problems", report.Problems),
		)
	}
	return report, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	content, err := io.ReadAll(io.LimitReader(f, MaxArtifactSize+1))
	if err != nil {
		return nil, err
	}
	if len(content) > MaxArtifactSize {
		return nil, errArtifactTooLarge
	}
	return content, nil
}

type heading struct {
	level int
	text  string
	// start is the byte offset of the heading line; body begins at bodyStart.
	start     int
	bodyStart int
}

// Check validates content against c, appending findings to report.
func Check(content string, c Contract, report *Report) {
	body := content
	markerAt := strings.LastIndex(content, c.Marker)
	if c.Marker == "" || markerAt < 0 {
		report.Problems = append(report.Problems, problemMarkerPrefix+c.Marker+" missing")
	} else {
		body = content[:markerAt]
	}

	headings := parseHeadings(body)
	next := 0
	for _, sec := range c.Sections {
		idx := findHeading(headings, sec.Heading, next)
		if idx < 0 {
			if findHeading(headings, sec.Heading, 0) >= 0 {
				report.Problems = append(report.Problems, fmt.Sprintf("section %q out of order", sec.Heading))
			} else {
				report.Problems = append(report.Problems, fmt.Sprintf("section %q missing", sec.Heading))
			}
			continue
		}
		next = idx + 1

		text := strings.TrimSpace(sectionBody(body, headings, idx))
		if text == "" {
			report.Problems = append(report.Problems, fmt.Sprintf("section %q empty", sec.Heading))
			continue
		}
		if sec.MaxBytes > 0 && len(text) > sec.MaxBytes {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("section %q is %d bytes, budget %d", sec.Heading, len(text), sec.MaxBytes))
		}
	}
}

func parseHeadings(body string) []heading {
	var out []heading
	offset := 0
	for _, line := range strings.SplitAfter(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			text := strings.TrimSpace(trimmed[level:])
			if text != "" {
				out = append(out, heading{level: level, text: text, start: offset, bodyStart: offset + len(line)})
			}
		}
		offset += len(line)
	}
	return out
}

func findHeading(headings []heading, want string, from int) int {
	for i := from; i < len(headings); i++ {
		if strings.EqualFold(headings[i].text, want) {
			return i
		}
	}
	return -1
}

// sectionBody returns the text under headings[idx] up to the next heading of
// the same or a higher level.
func sectionBody(body string, headings []heading, idx int) string {
	h := headings[idx]
	end := len(body)
	for _, n := range headings[idx+1:] {
		if n.level <= h.level {
			end = n.start
			break
		}
	}
	return body[h.bodyStart:end]
}
