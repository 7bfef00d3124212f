// CLAUDE:SUMMARY OpenAI chat-completions Generator: JSON prompts, fence stripping, shape validation, backend sentinels.

// Package genai adapts external language-model backends to the
// persona.Generator port. The OpenAI adapter prompts for strict JSON,
// decodes into the domain structs, and shape-validates before anything
// enters the pipeline; Breaker wraps any Generator with a circuit
// breaker so a dead backend fails fast instead of stalling workers.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/plumehq/plume/persona"
)

// Backend sentinels. Always wrapped with %w so callers match with
// errors.Is.
var (
	// ErrEmptyCompletion means the backend returned no usable choice.
	ErrEmptyCompletion = errors.New("genai: empty completion")

	// ErrBadShape means the completion decoded but failed shape validation,
	// or did not decode at all.
	ErrBadShape = errors.New("genai: response shape invalid")
)

// Options configure the OpenAI backend.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string // optional override for proxies and tests
}

// OpenAI implements persona.Generator over the chat-completions API.
type OpenAI struct {
	client   openai.Client
	model    string
	sanitize *sanitizer
}

var _ persona.Generator = (*OpenAI)(nil)

// NewOpenAI builds the adapter. API key and model are required; the base
// URL is only set when overridden.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("genai: api key required")
	}
	if opts.Model == "" {
		return nil, errors.New("genai: model required")
	}
	ro := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAI{
		client:   openai.NewClient(ro...),
		model:    opts.Model,
		sanitize: newSanitizer(),
	}, nil
}

func (o *OpenAI) GenerateCore(ctx context.Context, onboarding map[string]any) (persona.CorePersona, error) {
	system, user, err := corePrompt(o.sanitize, onboarding)
	if err != nil {
		return persona.CorePersona{}, err
	}
	raw, err := o.complete(ctx, system, user)
	if err != nil {
		return persona.CorePersona{}, err
	}
	var core persona.CorePersona
	if err := json.Unmarshal(raw, &core); err != nil {
		return persona.CorePersona{}, fmt.Errorf("%w: core persona: %v", ErrBadShape, err)
	}
	if err := validateCore(core); err != nil {
		return persona.CorePersona{}, err
	}
	return core, nil
}

func (o *OpenAI) GenerateConsolidated(ctx context.Context, onboarding map[string]any, platforms []string) (persona.CorePersona, map[string]persona.PlatformPersona, error) {
	system, user, err := consolidatedPrompt(o.sanitize, onboarding, platforms)
	if err != nil {
		return persona.CorePersona{}, nil, err
	}
	raw, err := o.complete(ctx, system, user)
	if err != nil {
		return persona.CorePersona{}, nil, err
	}
	var resp struct {
		Core      persona.CorePersona                `json:"core"`
		Platforms map[string]persona.PlatformPersona `json:"platforms"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return persona.CorePersona{}, nil, fmt.Errorf("%w: consolidated response: %v", ErrBadShape, err)
	}
	if err := validateCore(resp.Core); err != nil {
		return persona.CorePersona{}, nil, err
	}
	// Key the adaptations by the request. Extra keys the model invented
	// are dropped; missing ones fail the whole call.
	out := make(map[string]persona.PlatformPersona, len(platforms))
	var missing []string
	for _, p := range platforms {
		pp, ok := resp.Platforms[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		pp.Platform = p
		if err := validatePlatform(pp); err != nil {
			return persona.CorePersona{}, nil, err
		}
		out[p] = pp
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return persona.CorePersona{}, nil, fmt.Errorf("%w: missing platforms %s", ErrBadShape, strings.Join(missing, ", "))
	}
	return resp.Core, out, nil
}

func (o *OpenAI) GeneratePlatform(ctx context.Context, core persona.CorePersona, platform string) (persona.PlatformPersona, error) {
	system, user, err := platformPrompt(core, platform)
	if err != nil {
		return persona.PlatformPersona{}, err
	}
	raw, err := o.complete(ctx, system, user)
	if err != nil {
		return persona.PlatformPersona{}, err
	}
	var pp persona.PlatformPersona
	if err := json.Unmarshal(raw, &pp); err != nil {
		return persona.PlatformPersona{}, fmt.Errorf("%w: platform persona: %v", ErrBadShape, err)
	}
	pp.Platform = platform // keyed by the request, not the model's echo
	if err := validatePlatform(pp); err != nil {
		return persona.PlatformPersona{}, err
	}
	return pp, nil
}

// complete runs one chat completion and returns the raw JSON payload of
// the first choice, with any wrapping markdown fence stripped.
func (o *OpenAI) complete(ctx context.Context, system, user string) ([]byte, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, ErrEmptyCompletion
	}
	return []byte(stripFence(content)), nil
}

// stripFence removes a wrapping markdown code fence. Models add them
// despite instructions.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// validateCore checks the load-bearing fields the pipeline and quality
// assessor read. Everything else may be sparse.
func validateCore(core persona.CorePersona) error {
	switch {
	case core.Name == "":
		return fmt.Errorf("%w: core persona missing name", ErrBadShape)
	case core.VoiceSummary == "":
		return fmt.Errorf("%w: core persona missing voice_summary", ErrBadShape)
	case core.Tone.Primary == "":
		return fmt.Errorf("%w: core persona missing tonal_range.primary", ErrBadShape)
	}
	return nil
}

func validatePlatform(pp persona.PlatformPersona) error {
	switch {
	case pp.Tone == "":
		return fmt.Errorf("%w: %s adaptation missing tone", ErrBadShape, pp.Platform)
	case pp.Format.MaxPostLength <= 0:
		return fmt.Errorf("%w: %s adaptation missing format_rules.max_post_length", ErrBadShape, pp.Platform)
	}
	return nil
}
