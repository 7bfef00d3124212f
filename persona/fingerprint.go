// CLAUDE:SUMMARY Deterministic request fingerprint: canonical JSON (sorted keys, normalized platforms) → SHA-256 hex.
package persona

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint computes the cache key for a request: the lower-case hex
// SHA-256 of its canonical JSON form. Canonicalization sorts all object
// keys recursively and normalizes the platform list (lower-case, sorted,
// de-duplicated), so two semantically equal requests hash identically
// regardless of wire field order. Pure and total: the input is decoded
// JSON, which cannot hold unmarshalable values.
func Fingerprint(req GenerationRequest) string {
	norm := map[string]any{
		"onboarding_data":    req.OnboardingData,
		"selected_platforms": canonicalPlatforms(req.SelectedPlatforms),
	}
	if len(req.UserPreferences) > 0 {
		norm["user_preferences"] = req.UserPreferences
	}
	sum := sha256.Sum256(canonicalJSON(norm))
	return hex.EncodeToString(sum[:])
}

// canonicalPlatforms lower-cases, de-duplicates and sorts a platform list.
func canonicalPlatforms(platforms []string) []string {
	seen := make(map[string]bool, len(platforms))
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// canonicalJSON encodes v with all map keys recursively sorted. Scalars use
// encoding/json's canonical forms.
func canonicalJSON(v any) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, x[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, _ := json.Marshal(e)
			buf.Write(eb)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(x)
		if err != nil {
			// Decoded JSON cannot reach here; fold anything else to its
			// string form rather than failing.
			b, _ = json.Marshal(fmt.Sprintf("%v", x))
		}
		buf.Write(b)
	}
}
