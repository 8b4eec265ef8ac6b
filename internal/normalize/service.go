package normalize

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// StageOutcome records what one cascade stage produced.
type StageOutcome struct {
	Ran        bool    `json:"ran"`
	Output     string  `json:"output,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// Stages collects per-stage outcomes for a normalization.
type Stages struct {
	Alias        StageOutcome `json:"alias"`
	Rules        StageOutcome `json:"rules"`
	Similarity   StageOutcome `json:"similarity"`
	Confirmation StageOutcome `json:"confirmation"`
}

// NormalizeResult is the final verdict of the cascade.
type NormalizeResult struct {
	Input         string           `json:"input"`
	Normalized    string           `json:"normalized"`
	WasNormalized bool             `json:"was_normalized"`
	Confidence    float64          `json:"confidence"`
	Stage         string           `json:"stage"`
	Explanation   string           `json:"explanation,omitempty"`
	Stages        Stages           `json:"stages"`
	Candidates    []MatchCandidate `json:"candidates,omitempty"`
}

// Options tunes a single Normalize call.
type Options struct {
	EntityType string
	// SkipLLM suppresses model confirmation for this call.
	SkipLLM bool
	// ForceLLM runs confirmation even when confidence already passes
	// the threshold.
	ForceLLM bool
}

// ServiceConfig tunes the cascade.
type ServiceConfig struct {
	UseLLMConfirmation bool
	// LLMConfirmationThreshold short-circuits the cascade: a stage
	// reaching it ends the run, and confirmation only fires below it.
	LLMConfirmationThreshold float64
	AutoRegisterAliases      bool
}

// DefaultServiceConfig confirms below 0.9 and records learned aliases.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		UseLLMConfirmation:       true,
		LLMConfirmationThreshold: 0.9,
		AutoRegisterAliases:      true,
	}
}

// Service runs the normalization cascade. Any stage component may be
// nil; missing stages are skipped. A stage error never fails the call,
// the best normalization achieved so far is returned instead.
type Service struct {
	aliases   *AliasManager
	rules     *RuleNormalizer
	matcher   *SimilarityMatcher
	confirmer *LLMConfirmer
	cfg       ServiceConfig
	logger    *zap.Logger
}

// NewService assembles the cascade.
func NewService(aliases *AliasManager, rules *RuleNormalizer, matcher *SimilarityMatcher, confirmer *LLMConfirmer, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LLMConfirmationThreshold <= 0 {
		cfg.LLMConfirmationThreshold = 0.9
	}
	return &Service{
		aliases:   aliases,
		rules:     rules,
		matcher:   matcher,
		confirmer: confirmer,
		cfg:       cfg,
		logger:    logger.Named("normalize"),
	}
}

// Normalize resolves name to its canonical form.
func (s *Service) Normalize(ctx context.Context, name string, opts *Options) *NormalizeResult {
	if opts == nil {
		opts = &Options{}
	}
	input := strings.TrimSpace(name)
	result := &NormalizeResult{
		Input:      input,
		Normalized: input,
		Stage:      "none",
	}
	if input == "" {
		return result
	}

	// Stage 1: alias table.
	if s.aliases != nil {
		rec, err := s.aliases.ResolveAlias(ctx, input)
		switch {
		case err != nil:
			s.logger.Warn("Alias lookup failed", zap.String("input", input), zap.Error(err))
		case rec != nil:
			result.Stages.Alias = StageOutcome{Ran: true, Output: rec.Canonical, Confidence: 0.95}
			result.Normalized = rec.Canonical
			result.Confidence = 0.95
			result.Stage = "rule"
			result.Explanation = "Found in alias table"
			if result.Confidence >= s.cfg.LLMConfirmationThreshold {
				result.WasNormalized = result.Normalized != input
				return result
			}
		default:
			result.Stages.Alias = StageOutcome{Ran: true, Detail: "no alias"}
		}
	}

	// Stage 2: regex rules.
	current := input
	if s.rules != nil {
		outcome := s.rules.Normalize(current)
		result.Stages.Rules = StageOutcome{
			Ran:        true,
			Output:     outcome.Output,
			Confidence: outcome.Confidence,
			Detail:     strings.Join(outcome.Categories, ","),
		}
		current = outcome.Output
		if outcome.Confidence > result.Confidence {
			result.Normalized = outcome.Output
			result.Confidence = outcome.Confidence
			result.Stage = "rule"
			result.Explanation = ruleExplanation(outcome.Applied)
		}
		if result.Confidence >= s.cfg.LLMConfirmationThreshold && !opts.ForceLLM {
			return s.finish(ctx, result, opts)
		}
	}

	// Stage 3: similarity against known canonical names.
	if s.matcher != nil {
		match, err := s.matcher.Match(ctx, current, opts.EntityType)
		if err != nil {
			s.logger.Warn("Similarity match failed", zap.String("input", current), zap.Error(err))
		} else {
			result.Candidates = match.Candidates
			result.Stages.Similarity = StageOutcome{
				Ran:        true,
				Output:     match.Name,
				Confidence: match.Similarity,
			}
			if match.Matched && match.Similarity > result.Confidence {
				result.Normalized = match.Name
				result.Confidence = match.Similarity
				result.Stage = "similarity"
				result.Explanation = "Matched known canonical name"
			}
			if result.Confidence >= s.cfg.LLMConfirmationThreshold && !opts.ForceLLM {
				return s.finish(ctx, result, opts)
			}
		}
	}

	// Stage 4: model confirmation.
	if s.shouldConfirm(result.Confidence, opts) {
		verdict, err := s.confirmer.Confirm(ctx, input, result.Normalized, opts.EntityType)
		if err != nil {
			s.logger.Warn("Confirmation failed", zap.String("input", input), zap.Error(err))
		} else {
			result.Stages.Confirmation = StageOutcome{
				Ran:        true,
				Output:     verdict.Suggestion,
				Confidence: verdict.Confidence,
				Detail:     verdict.Explanation,
			}
			if verdict.Confirmed {
				if verdict.Suggestion != "" {
					result.Normalized = verdict.Suggestion
				}
				result.Confidence = verdict.Confidence
				result.Stage = "llm"
				if verdict.Explanation != "" {
					result.Explanation = verdict.Explanation
				}
			}
		}
	}

	return s.finish(ctx, result, opts)
}

func (s *Service) shouldConfirm(confidence float64, opts *Options) bool {
	if s.confirmer == nil || opts.SkipLLM {
		return false
	}
	if opts.ForceLLM {
		return true
	}
	return s.cfg.UseLLMConfirmation && confidence < s.cfg.LLMConfirmationThreshold
}

// finish computes WasNormalized and records learned aliases.
func (s *Service) finish(ctx context.Context, result *NormalizeResult, opts *Options) *NormalizeResult {
	result.WasNormalized = result.Normalized != result.Input

	if s.cfg.AutoRegisterAliases && s.aliases != nil &&
		result.Normalized != "" && !strings.EqualFold(result.Normalized, result.Input) {
		err := s.aliases.RegisterAlias(ctx, AliasRecord{
			Alias:      result.Input,
			Canonical:  result.Normalized,
			EntityType: opts.EntityType,
			Confidence: result.Confidence,
			Stage:      result.Stage,
		})
		if err != nil {
			s.logger.Warn("Alias auto-registration failed",
				zap.String("alias", result.Input),
				zap.Error(err))
		}
	}
	return result
}

func ruleExplanation(applied int) string {
	if applied == 1 {
		return "Applied 1 normalization rule"
	}
	return fmt.Sprintf("Applied %d normalization rules", applied)
}
