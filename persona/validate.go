// CLAUDE:SUMMARY Request validation: platform canonicalization (lower/trim), enum check, dup and cardinality bounds.
// CLAUDE:EXPORTS NormalizePlatforms, ValidateRequest
package persona

import (
	"fmt"
	"strings"
)

// knownPlatformSet is derived from knownPlatforms for membership checks.
var knownPlatformSet = func() map[string]bool {
	m := make(map[string]bool, len(knownPlatforms))
	for _, p := range knownPlatforms {
		m[p] = true
	}
	return m
}()

// NormalizePlatforms validates a platform selection and returns it in
// canonical (lower-case) form, preserving input order. It fails before any
// task is created: count bounds, enum membership, and case-insensitive
// duplicate detection.
func NormalizePlatforms(selected []string) ([]string, error) {
	if len(selected) == 0 {
		return nil, ErrNoPlatforms
	}
	if len(selected) > MaxPlatforms {
		return nil, fmt.Errorf("%w: got %d, max %d", ErrTooManyPlatforms, len(selected), MaxPlatforms)
	}

	seen := make(map[string]bool, len(selected))
	out := make([]string, 0, len(selected))
	for _, raw := range selected {
		p := strings.ToLower(strings.TrimSpace(raw))
		if !knownPlatformSet[p] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, raw)
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePlatform, raw)
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// ValidateRequest checks a generation request at the boundary and
// canonicalizes its platform selection in place.
func ValidateRequest(req *GenerationRequest) error {
	normalized, err := NormalizePlatforms(req.SelectedPlatforms)
	if err != nil {
		return err
	}
	req.SelectedPlatforms = normalized
	return nil
}
