package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Redactor replaces secrets found by the Gitleaks default rules.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// Finding is one redacted secret. The secret itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// New creates a Redactor. Matches of any allow pattern are left alone.
func New(allow []string) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	if len(allow) > 0 {
		list := &gitleaksConfig.Allowlist{Description: "phaseflow allow patterns"}
		for _, pattern := range allow {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
			}
			list.Regexes = append(list.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, list)
	}

	return &Redactor{detector: detector}, nil
}

// Redact returns content with every detected secret replaced by a
// [REDACTED:rule-id] marker, plus what was replaced.
func (r *Redactor) Redact(content string) (string, []Finding) {
	if r == nil || content == "" {
		return content, nil
	}

	r.mu.Lock()
	found := r.detector.DetectString(content)
	r.mu.Unlock()
	if len(found) == 0 {
		return content, nil
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool {
		return len(secretOf(found[i].Secret, found[i].Match)) > len(secretOf(found[j].Secret, found[j].Match))
	})

	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		secret := secretOf(f.Secret, f.Match)
		if secret == "" || !strings.Contains(content, secret) {
			continue
		}
		content = strings.ReplaceAll(content, secret, "[REDACTED:"+f.RuleID+"]")
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
	}
	return content, findings
}

func secretOf(secret, match string) string {
	if secret != "" {
		return secret
	}
	return match
}
