// CLAUDE:SUMMARY Deterministic quality assessment: completeness, tonal consistency, platform fit, linguistic bounds.
// CLAUDE:EXPORTS Assess
package persona

import "math"

// Quality thresholds. A sub-score below its threshold contributes one
// fixed recommendation.
const (
	completenessThreshold = 80
	consistencyThreshold  = 80
	platformFitThreshold  = 70
	linguisticThreshold   = 80
)

// Assess scores a generated persona set. Pure and deterministic: the same
// core and platform structs always produce the bit-identical metrics,
// recommendations included. The overall score is the rounded unweighted
// mean of the four sub-scores.
func Assess(core CorePersona, platforms map[string]PlatformPersona) QualityMetrics {
	m := QualityMetrics{
		Completeness:      completenessScore(core),
		Consistency:       consistencyScore(core, platforms),
		PlatformFit:       platformFitScore(platforms),
		LinguisticQuality: linguisticScore(core.Linguistic),
	}
	sum := m.Completeness + m.Consistency + m.PlatformFit + m.LinguisticQuality
	m.OverallScore = int(math.Round(float64(sum) / 4.0))
	m.Recommendations = recommend(m)
	return m
}

// completenessScore is the fraction of expected core fields that are
// non-empty.
func completenessScore(core CorePersona) int {
	checks := []bool{
		core.Name != "",
		core.Archetype != "",
		core.Audience != "",
		core.VoiceSummary != "",
		core.Tone.Primary != "",
		core.Tone.Formality != "",
		core.Linguistic.VocabularyLevel != "",
		len(core.Linguistic.RhetoricalDevices) > 0,
		len(core.Dos) > 0,
		len(core.Donts) > 0,
	}
	return ratioScore(countTrue(checks), len(checks))
}

// consistencyScore is the fraction of platform personas whose tone sits
// inside the core's tonal range (primary or secondary).
func consistencyScore(core CorePersona, platforms map[string]PlatformPersona) int {
	if len(platforms) == 0 {
		return 0
	}
	allowed := make(map[string]bool, 1+len(core.Tone.Secondary))
	if core.Tone.Primary != "" {
		allowed[core.Tone.Primary] = true
	}
	for _, t := range core.Tone.Secondary {
		allowed[t] = true
	}

	consistent := 0
	for _, p := range platforms {
		if allowed[p.Tone] {
			consistent++
		}
	}
	return ratioScore(consistent, len(platforms))
}

// platformFitScore is the fraction of platform-specific fields that are
// filled in, across all platforms.
func platformFitScore(platforms map[string]PlatformPersona) int {
	if len(platforms) == 0 {
		return 0
	}
	passed, total := 0, 0
	for _, p := range platforms {
		checks := []bool{
			len(p.Optimizations) > 0,
			p.Format.MaxPostLength > 0,
			p.Format.Structure != "",
			len(p.Engagement.Hooks) > 0,
			p.Engagement.PostingCadence != "",
			p.Lexical.EmojiUsage != "",
		}
		passed += countTrue(checks)
		total += len(checks)
	}
	return ratioScore(passed, total)
}

// linguisticScore checks the fingerprint against plausibility bounds:
// sentence lengths in human ranges, lexical diversity a valid ratio,
// devices named.
func linguisticScore(lf LinguisticFingerprint) int {
	checks := []bool{
		lf.AvgSentenceLength >= 5 && lf.AvgSentenceLength <= 40,
		lf.SentenceLengthStddev >= 0 && lf.SentenceLengthStddev <= lf.AvgSentenceLength,
		lf.LexicalDiversity >= 0 && lf.LexicalDiversity <= 1,
		len(lf.RhetoricalDevices) > 0,
	}
	return ratioScore(countTrue(checks), len(checks))
}

// recommend applies the fixed rule table: one recommendation per sub-score
// below its threshold, in table order.
func recommend(m QualityMetrics) []string {
	var recs []string
	if m.Completeness < completenessThreshold {
		recs = append(recs, "complete the core identity: name, archetype, audience and voice fields are partly empty")
	}
	if m.Consistency < consistencyThreshold {
		recs = append(recs, "align platform tones with the core tonal range")
	}
	if m.PlatformFit < platformFitThreshold {
		recs = append(recs, "add platform-specific format rules and optimizations for each selected platform")
	}
	if m.LinguisticQuality < linguisticThreshold {
		recs = append(recs, "review the linguistic fingerprint: values fall outside plausible ranges")
	}
	return recs
}

func ratioScore(passed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(passed) / float64(total)))
}

func countTrue(checks []bool) int {
	n := 0
	for _, ok := range checks {
		if ok {
			n++
		}
	}
	return n
}
