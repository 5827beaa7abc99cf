package guard

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Allowlist carries operator-approved exceptions to the merge guard, loaded
// from a TOML file in the canonical target.
type Allowlist struct {
	// Paths are regex patterns over workspace-relative file paths.
	// Matching files are never scanned.
	Paths []string

	// Regexes are content patterns whose detector hits are dropped.
	Regexes []string

	pathPatterns []*regexp.Regexp
}

// LoadAllowlist reads and validates an allowlist file. A missing file yields
// an empty allowlist; a file that exists but cannot be parsed, or that holds
// an invalid pattern, is an error.
func LoadAllowlist(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}

	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}

	a := &Allowlist{
		Paths:   doc.Allowlist.Paths,
		Regexes: doc.Allowlist.Regexes,
	}
	for _, pattern := range a.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidAllowlist, pattern, path, err)
		}
		a.pathPatterns = append(a.pathPatterns, re)
	}
	for _, pattern := range a.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidAllowlist, pattern, path, err)
		}
	}
	return a, nil
}

// Empty reports whether the allowlist excludes nothing.
func (a *Allowlist) Empty() bool {
	return len(a.Paths) == 0 && len(a.Regexes) == 0
}

// SkipPath reports whether a workspace-relative path is excluded from the
// scan entirely. DetectString carries no file path, so path exclusion has to
// happen before content reaches the detector.
func (a *Allowlist) SkipPath(rel string) bool {
	for _, re := range a.pathPatterns {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// apply merges the content patterns into the detector configuration.
func (a *Allowlist) apply(cfg *gitleaksConfig.Config) {
	if len(a.Regexes) == 0 {
		return
	}

	entry := &gitleaksConfig.Allowlist{
		Description: "upgraded target allowlist",
	}
	for _, pattern := range a.Regexes {
		// Patterns are validated in LoadAllowlist. A failure here means
		// validation was bypassed.
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	entry.StopWords = append(entry.StopWords, a.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, entry)
}
