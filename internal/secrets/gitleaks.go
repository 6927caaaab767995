package secrets

import (
	"fmt"
	"regexp"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// leak is one secret reported by the gitleaks rule set.
type leak struct {
	ruleID string
	secret string
}

// leakDetector scans content with the gitleaks default configuration.
// Detector keeps per-scan state, so scans are serialized.
type leakDetector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

func newLeakDetector(allow []*regexp.Regexp) (*leakDetector, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if len(allow) > 0 {
		al := &gitleaksConfig.Allowlist{Description: "protocold allow list"}
		for _, re := range allow {
			al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, al)
	}
	return &leakDetector{detector: detector}, nil
}

func (d *leakDetector) find(content string) []leak {
	d.mu.Lock()
	findings := d.detector.DetectString(content)
	d.mu.Unlock()

	out := make([]leak, 0, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		out = append(out, leak{ruleID: f.RuleID, secret: f.Secret})
	}
	return out
}
