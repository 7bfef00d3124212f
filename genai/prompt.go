package genai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/plumehq/plume/persona"
)

// htmlTagRe spots markup in onboarding values. Website-analysis fields
// often carry raw page fragments.
var htmlTagRe = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)

// sanitizer cleans HTML out of onboarding values before they reach a
// prompt: sanitize first, then convert to markdown so document structure
// (emphasis, lists, tables) survives in a form the model reads well.
type sanitizer struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

func newSanitizer() *sanitizer {
	return &sanitizer{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// clean sanitizes one HTML fragment and converts it to markdown. Falls
// back to the sanitized text when conversion fails or comes back empty.
func (s *sanitizer) clean(raw string) string {
	safe := s.policy.Sanitize(raw)
	md, err := s.md.ConvertString(safe)
	if err != nil || strings.TrimSpace(md) == "" {
		return strings.TrimSpace(safe)
	}
	return strings.TrimSpace(md)
}

// cleanValue walks a payload value and returns a copy with HTML-looking
// strings cleaned. Plain strings pass through untouched so product names
// like "A < B" are not mangled.
func (s *sanitizer) cleanValue(v any) any {
	switch t := v.(type) {
	case string:
		if htmlTagRe.MatchString(t) {
			return s.clean(t)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.cleanValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.cleanValue(val)
		}
		return out
	default:
		return v
	}
}

// cleanPayload returns a sanitized copy of the onboarding payload. The
// caller's maps are never mutated.
func (s *sanitizer) cleanPayload(onboarding map[string]any) map[string]any {
	if onboarding == nil {
		return nil
	}
	return s.cleanValue(onboarding).(map[string]any)
}

const systemPreamble = `You are a brand voice analyst for a content platform. You derive writing personas from business onboarding data. Respond with a single JSON object and nothing else: no prose, no markdown fences.`

// coreShape mirrors the CorePersona wire format. Field names here must
// stay in lockstep with the persona struct tags.
const coreShape = `{
  "name": "persona display name",
  "archetype": "writing archetype, e.g. The Educator",
  "audience": "who this persona writes for",
  "voice_summary": "two or three sentences describing the voice",
  "linguistic_fingerprint": {
    "avg_sentence_length": 14.0,
    "sentence_length_stddev": 4.0,
    "lexical_diversity": 0.6,
    "vocabulary_level": "accessible | professional | academic",
    "rhetorical_devices": ["device"]
  },
  "tonal_range": {
    "primary": "primary tone",
    "secondary": ["adjacent tones"],
    "formality": "casual | conversational | formal"
  },
  "dos": ["practice to follow"],
  "donts": ["practice to avoid"]
}`

// platformShape mirrors the PlatformPersona wire format.
const platformShape = `{
  "platform": "platform id",
  "tone": "tone drawn from the core tonal range",
  "format_rules": {
    "max_post_length": 3000,
    "ideal_post_length": 1200,
    "structure": "how posts are structured",
    "hashtag_policy": "hashtag policy"
  },
  "engagement_patterns": {
    "hooks": ["opening hook"],
    "calls_to_action": ["call to action"],
    "posting_cadence": "posting cadence"
  },
  "lexical_adaptations": {
    "preferred_terms": ["term"],
    "avoided_terms": ["term"],
    "emoji_usage": "none | sparing | frequent"
  },
  "optimizations": ["platform-specific tip"]
}`

// corePrompt builds the system and user messages for a core persona
// derivation.
func corePrompt(s *sanitizer, onboarding map[string]any) (system, user string, err error) {
	payload, err := encodePayload(s.cleanPayload(onboarding))
	if err != nil {
		return "", "", err
	}
	system = systemPreamble + "\n\nUse exactly this shape:\n" + coreShape
	user = "Derive the core persona from this onboarding data:\n" + payload
	return system, user, nil
}

// consolidatedPrompt builds the messages for a single-call derivation of
// the core persona plus every requested platform adaptation.
func consolidatedPrompt(s *sanitizer, onboarding map[string]any, platforms []string) (system, user string, err error) {
	payload, err := encodePayload(s.cleanPayload(onboarding))
	if err != nil {
		return "", "", err
	}
	keys := make([]string, len(platforms))
	for i, p := range platforms {
		keys[i] = fmt.Sprintf("%q", p)
	}
	system = systemPreamble + fmt.Sprintf(`

Respond with one object holding a "core" key and a "platforms" key. The "platforms" object must contain exactly these keys: %s.

The "core" value uses this shape:
%s

Each platform value uses this shape:
%s`, strings.Join(keys, ", "), coreShape, platformShape)
	user = "Derive the core persona and every platform adaptation from this onboarding data:\n" + payload
	return system, user, nil
}

// platformPrompt builds the messages for adapting an existing core
// persona to one platform. The core is our own struct, so no
// sanitization pass is needed.
func platformPrompt(core persona.CorePersona, platform string) (system, user string, err error) {
	coreJSON, err := json.MarshalIndent(core, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("genai: encode core persona: %w", err)
	}
	system = systemPreamble + "\n\nUse exactly this shape:\n" + platformShape
	user = fmt.Sprintf("Adapt this core persona for %s, staying inside its tonal range:\n%s", platform, coreJSON)
	return system, user, nil
}

func encodePayload(payload map[string]any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("genai: encode onboarding payload: %w", err)
	}
	return string(data), nil
}
