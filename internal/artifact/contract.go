// Package artifact verifies documents produced by the external executor
// before the engine accepts a phase as complete.
//
// An artifact lives at a path derived from (session id, producer) and must
// contain its required sections in order, each non-empty, terminated by a
// completion marker unique to the producer. Content quality is not checked.
package artifact

import (
	"path/filepath"
	"strings"
	"unicode"
)

// Default section headings of the artifact contract.
const (
	SectionContextLoaded        = "Context Loaded"
	SectionWorkSummary          = "Work Summary"
	SectionOpenQuestions        = "Open Questions"
	SectionDownstreamDirectives = "Downstream Directives"
	DefaultOpenQuestionsBudget  = 2048
	DefaultExtension            = ".md"
	markerPrefix                = "<!-- "
	markerSuffix                = "_COMPLETE -->"
)

// Section is one required heading of an artifact.
type Section struct {
	Heading string `koanf:"heading" yaml:"heading" toml:"heading" json:"heading"`
	// MaxBytes bounds the section body. Zero means unbounded.
	MaxBytes int `koanf:"max_bytes" yaml:"max_bytes" toml:"max_bytes" json:"max_bytes,omitempty"`
}

// Contract describes the required shape of one producer's artifact.
type Contract struct {
	Producer string    `json:"producer"`
	Sections []Section `json:"sections"`
	Marker   string    `json:"marker"`
}

// DefaultSections returns the four standard sections in order.
func DefaultSections() []Section {
	return []Section{
		{Heading: SectionContextLoaded},
		{Heading: SectionWorkSummary},
		{Heading: SectionOpenQuestions, MaxBytes: DefaultOpenQuestionsBudget},
		{Heading: SectionDownstreamDirectives},
	}
}

// NewContract builds a contract for producer. A nil sections slice selects
// DefaultSections.
func NewContract(producer string, sections []Section) Contract {
	if sections == nil {
		sections = DefaultSections()
	}
	return Contract{
		Producer: producer,
		Sections: append([]Section(nil), sections...),
		Marker:   MarkerFor(producer),
	}
}

// ForProducer returns a copy of c bound to a different producer, used for
// sub-phases that share their parent's contract.
func (c Contract) ForProducer(producer string) Contract {
	return NewContract(producer, c.Sections)
}

// MarkerFor returns the completion marker for producer, e.g.
// "<!-- DEEP_RESEARCH_COMPLETE -->" for "deep-research".
func MarkerFor(producer string) string {
	var b strings.Builder
	for _, r := range producer {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return markerPrefix + b.String() + markerSuffix
}

// Path derives the artifact location from root, session and producer.
func Path(root, sessionID, producer string) string {
	return filepath.Join(root, sessionID, producer+DefaultExtension)
}
