package persona

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func staticResult(t *testing.T, platforms ...string) (CorePersona, map[string]PlatformPersona) {
	t.Helper()
	ctx := context.Background()
	core, out, err := Static{}.GenerateConsolidated(ctx, map[string]any{
		"business_name":   "Acme",
		"target_audience": "founders",
	}, platforms)
	if err != nil {
		t.Fatalf("static generate: %v", err)
	}
	return core, out
}

func TestAssess_Deterministic(t *testing.T) {
	// WHAT: Assessing the same personas twice yields identical metrics,
	// recommendations included.
	// WHY: Scores are persisted with the result and must not drift on re-read.
	core, platforms := staticResult(t, "linkedin", "twitter")
	a := Assess(core, platforms)
	b := Assess(core, platforms)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("assessment is not deterministic:\n a=%+v\n b=%+v", a, b)
	}
}

func TestAssess_StaticOutputScoresFull(t *testing.T) {
	// WHAT: The static generator's output passes every check.
	// WHY: Static personas fill all fields and pin platform tone to the core
	// primary, so anything below 100 means a check or the generator broke.
	core, platforms := staticResult(t, "linkedin", "blog", "tiktok")
	m := Assess(core, platforms)
	if m.Completeness != 100 || m.Consistency != 100 || m.PlatformFit != 100 || m.LinguisticQuality != 100 {
		t.Errorf("sub-scores: %+v, want all 100", m)
	}
	if m.OverallScore != 100 {
		t.Errorf("overall: got %d, want 100", m.OverallScore)
	}
	if len(m.Recommendations) != 0 {
		t.Errorf("unexpected recommendations: %v", m.Recommendations)
	}
}

func TestAssess_ToneOutsideRangeLowersConsistency(t *testing.T) {
	// WHAT: A platform tone outside the core tonal range halves a two-platform
	// consistency score and triggers the alignment recommendation.
	// WHY: Tonal agreement is the cross-platform invariant the score guards.
	core, platforms := staticResult(t, "linkedin", "twitter")
	off := platforms["twitter"]
	off.Tone = "aggressive"
	platforms["twitter"] = off

	m := Assess(core, platforms)
	if m.Consistency != 50 {
		t.Errorf("consistency: got %d, want 50", m.Consistency)
	}
	if !hasRecommendation(m, "align platform tones") {
		t.Errorf("missing tonal recommendation, got: %v", m.Recommendations)
	}
}

func TestAssess_SecondaryToneIsConsistent(t *testing.T) {
	// WHAT: A platform tone matching a secondary core tone counts as consistent.
	// WHY: The tonal range is primary plus secondary, not primary alone.
	core, platforms := staticResult(t, "linkedin")
	if len(core.Tone.Secondary) == 0 {
		t.Fatal("static core should carry secondary tones")
	}
	p := platforms["linkedin"]
	p.Tone = core.Tone.Secondary[0]
	platforms["linkedin"] = p

	if m := Assess(core, platforms); m.Consistency != 100 {
		t.Errorf("consistency: got %d, want 100", m.Consistency)
	}
}

func TestAssess_EmptyInput(t *testing.T) {
	// WHAT: An empty core and no platforms bottom out every score and emit all
	// four recommendations in rule-table order.
	// WHY: The assessor must degrade deterministically, not panic, on garbage.
	m := Assess(CorePersona{}, nil)
	if m.Completeness != 0 || m.Consistency != 0 || m.PlatformFit != 0 {
		t.Errorf("expected zero structural scores, got %+v", m)
	}
	// Zero-valued linguistic bounds still pass the stddev and diversity
	// range checks.
	if m.LinguisticQuality != 50 {
		t.Errorf("linguistic: got %d, want 50", m.LinguisticQuality)
	}
	if m.OverallScore != 13 {
		t.Errorf("overall: got %d, want 13", m.OverallScore)
	}
	if len(m.Recommendations) != 4 {
		t.Fatalf("got %d recommendations, want 4: %v", len(m.Recommendations), m.Recommendations)
	}
	if !hasRecommendation(m, "complete the core identity") || !hasRecommendation(m, "linguistic fingerprint") {
		t.Errorf("recommendations incomplete: %v", m.Recommendations)
	}
}

func TestAssess_PartialPlatformFit(t *testing.T) {
	// WHAT: Missing format and engagement fields lower platform fit and
	// trigger the optimization recommendation.
	// WHY: Platform fit measures how much per-platform tailoring exists.
	core, platforms := staticResult(t, "linkedin")
	bare := PlatformPersona{Platform: "blog", Tone: core.Tone.Primary}
	platforms["blog"] = bare

	m := Assess(core, platforms)
	if m.PlatformFit >= 70 {
		t.Errorf("platform fit: got %d, want < 70", m.PlatformFit)
	}
	if !hasRecommendation(m, "platform-specific format rules") {
		t.Errorf("missing platform recommendation: %v", m.Recommendations)
	}
}

func hasRecommendation(m QualityMetrics, substr string) bool {
	for _, r := range m.Recommendations {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}
