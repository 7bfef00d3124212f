// CLAUDE:SUMMARY Domain types: platform enum, request/result shapes, Generator and Archiver ports, wire views.
package persona

import (
	"context"
	"time"

	"github.com/plumehq/plume/persona/internal/task"
)

// Task statuses, re-exported from the task store. pending and running are
// live; completed and failed are terminal and never transition.
const (
	StatusPending   = task.StatusPending
	StatusRunning   = task.StatusRunning
	StatusCompleted = task.StatusCompleted
	StatusFailed    = task.StatusFailed
)

// knownPlatforms is the fixed platform enum, in presentation order.
// Canonical identifiers are lower-case; boundary matching is
// case-insensitive.
var knownPlatforms = []string{
	"linkedin",
	"twitter",
	"facebook",
	"instagram",
	"tiktok",
	"youtube",
	"blog",
	"newsletter",
}

// MaxPlatforms caps how many platforms one request may select.
const MaxPlatforms = 5

// Platforms returns the known platform identifiers.
func Platforms() []string {
	out := make([]string, len(knownPlatforms))
	copy(out, knownPlatforms)
	return out
}

// GenerationRequest is the input to the pipeline. OnboardingData is an
// opaque structured bag collected by the onboarding wizard; the pipeline
// fingerprints and forwards it without interpreting its shape.
type GenerationRequest struct {
	OnboardingData    map[string]any `json:"onboarding_data"`
	SelectedPlatforms []string       `json:"selected_platforms"`
	UserPreferences   map[string]any `json:"user_preferences,omitempty"`
}

// generatorInput folds user preferences into the onboarding bag so the
// backend sees one payload. The original maps are not mutated.
func (r GenerationRequest) generatorInput() map[string]any {
	if len(r.UserPreferences) == 0 {
		return r.OnboardingData
	}
	merged := make(map[string]any, len(r.OnboardingData)+1)
	for k, v := range r.OnboardingData {
		merged[k] = v
	}
	merged["user_preferences"] = r.UserPreferences
	return merged
}

// LinguisticFingerprint quantifies how the author writes.
type LinguisticFingerprint struct {
	AvgSentenceLength    float64  `json:"avg_sentence_length"`
	SentenceLengthStddev float64  `json:"sentence_length_stddev"`
	LexicalDiversity     float64  `json:"lexical_diversity"` // type-token ratio in [0,1]
	VocabularyLevel      string   `json:"vocabulary_level"`  // accessible | professional | academic
	RhetoricalDevices    []string `json:"rhetorical_devices"`
}

// TonalRange bounds the voice a persona may use. Platform adaptations must
// stay inside it.
type TonalRange struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary,omitempty"`
	Formality string   `json:"formality"` // casual | conversational | formal
}

// CorePersona is the platform-independent writing-style profile.
type CorePersona struct {
	Name         string                `json:"name"`
	Archetype    string                `json:"archetype"`
	Audience     string                `json:"audience"`
	VoiceSummary string                `json:"voice_summary"`
	Linguistic   LinguisticFingerprint `json:"linguistic_fingerprint"`
	Tone         TonalRange            `json:"tonal_range"`
	Dos          []string              `json:"dos"`
	Donts        []string              `json:"donts"`
}

// FormatRules constrain post shape on one platform.
type FormatRules struct {
	MaxPostLength   int    `json:"max_post_length"`
	IdealPostLength int    `json:"ideal_post_length"`
	Structure       string `json:"structure"`
	HashtagPolicy   string `json:"hashtag_policy"`
}

// EngagementPatterns describe how the persona earns attention on one
// platform.
type EngagementPatterns struct {
	Hooks          []string `json:"hooks"`
	CallsToAction  []string `json:"calls_to_action"`
	PostingCadence string   `json:"posting_cadence"`
}

// LexicalAdaptations shift vocabulary for one platform's register.
type LexicalAdaptations struct {
	PreferredTerms []string `json:"preferred_terms,omitempty"`
	AvoidedTerms   []string `json:"avoided_terms,omitempty"`
	EmojiUsage     string   `json:"emoji_usage"` // none | sparing | frequent
}

// PlatformPersona adapts the core persona to one platform. Tone must fall
// within the core's tonal range (primary or secondary); the quality
// assessor scores that agreement.
type PlatformPersona struct {
	Platform      string             `json:"platform"`
	Tone          string             `json:"tone"`
	Format        FormatRules        `json:"format_rules"`
	Engagement    EngagementPatterns `json:"engagement_patterns"`
	Lexical       LexicalAdaptations `json:"lexical_adaptations"`
	Optimizations []string           `json:"optimizations"`
}

// QualityMetrics scores a generated persona set. All values are derived
// deterministically from the personas by Assess and never mutated
// independently.
type QualityMetrics struct {
	OverallScore      int      `json:"overall_score"`
	Completeness      int      `json:"completeness"`
	Consistency       int      `json:"cross_platform_consistency"`
	PlatformFit       int      `json:"platform_optimization"`
	LinguisticQuality int      `json:"linguistic_quality"`
	Recommendations   []string `json:"recommendations"`
}

// Result is the payload of a completed task.
type Result struct {
	Core      CorePersona                `json:"core"`
	Platforms map[string]PlatformPersona `json:"platforms"`
	Quality   QualityMetrics             `json:"quality"`
}

// ProgressMessage is one entry in a task's append-only progress log.
type ProgressMessage struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is the polling view of a generation task. Result is set iff the
// status is completed; Error iff failed.
type Task struct {
	ID          string            `json:"task_id"`
	Status      string            `json:"status"`
	Progress    []ProgressMessage `json:"progress_messages"`
	Result      *Result           `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Generator produces personas. Implementations wrap an external language
// model (genai.OpenAI) or compute offline (Static); both are exercised
// through the same orchestrator.
type Generator interface {
	// GenerateCore derives the platform-independent profile from the
	// onboarding payload.
	GenerateCore(ctx context.Context, onboarding map[string]any) (CorePersona, error)
	// GenerateConsolidated produces the core and every platform adaptation
	// in a single call.
	GenerateConsolidated(ctx context.Context, onboarding map[string]any, platforms []string) (CorePersona, map[string]PlatformPersona, error)
	// GeneratePlatform adapts an existing core to one platform.
	GeneratePlatform(ctx context.Context, core CorePersona, platform string) (PlatformPersona, error)
}

// Archiver persists completed personas durably (the task store is swept on
// retention; the archive is not). Save failures are logged, never surfaced
// to the task. Implementations must be safe for concurrent use.
type Archiver interface {
	Save(ctx context.Context, taskID, fingerprint string, result []byte) (id string, err error)
	Count(ctx context.Context) (int, error)
}

// PersonaRecord is the archive view of a completed persona. List
// responses carry metadata only; Get fills Persona with the decoded
// result.
type PersonaRecord struct {
	ID          string    `json:"persona_id"`
	TaskID      string    `json:"task_id"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	Persona     *Result   `json:"persona,omitempty"`
}

// Stats is the point-in-time counter set behind the stats endpoint.
type Stats struct {
	Tasks       map[string]int `json:"tasks"` // count by status
	CacheHits   int64          `json:"cache_hits"`
	CacheMisses int64          `json:"cache_misses"`
	CacheSize   int            `json:"cache_entries"`
	Archived    int            `json:"archived_personas"`
	Dispatcher  string         `json:"dispatcher"` // alive | stale | unknown
}
