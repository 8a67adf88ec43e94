package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Estimation modes. Strict rejects unrated usage dimensions; lenient skips
// them with a warning.
const (
	ModeStrict  = "strict"
	ModeLenient = "lenient"
)

// LatestPricingVersion selects the registry's active pricing version.
const LatestPricingVersion = "latest"

// RateSource is the registry surface the engine depends on.
type RateSource interface {
	// PricingVersion returns the active pricing version.
	PricingVersion() string

	// Currency returns the registry currency code.
	Currency() string

	// GetProvider resolves a provider by canonical id or alias. Unknown
	// providers return an error wrapping ErrNotFound.
	GetProvider(ctx context.Context, provider string) (*Provider, error)

	// ResolveModel resolves a model alias within a provider namespace,
	// returning the input unchanged when no alias entry exists.
	ResolveModel(ctx context.Context, provider, model string) string
}

// EstimateParams carries one estimate request into the engine.
type EstimateParams struct {
	Provider string
	Model    string
	Usage    map[string]int64

	// Mode defaults to strict, PricingVersion to "latest", and Currency to
	// the registry currency when left empty.
	Mode           string
	PricingVersion string
	Currency       string

	Override *OverrideRatecard
}

// Engine computes deterministic cost estimates. It is stateless per call
// and safe for unlimited concurrent use.
type Engine struct {
	source        RateSource
	engineVersion string
}

// NewEngine creates a billing engine backed by a rate source.
func NewEngine(source RateSource, engineVersion string) *Engine {
	return &Engine{
		source:        source,
		engineVersion: engineVersion,
	}
}

// EngineVersion returns the engine version tag stamped on results.
func (e *Engine) EngineVersion() string {
	return e.engineVersion
}

// Estimate validates the request, resolves the effective ratecard, and
// computes per-dimension costs with exact decimal arithmetic. Every
// failure is a *PricingError propagated to the caller.
func (e *Engine) Estimate(ctx context.Context, params EstimateParams) (*EstimateResult, error) {
	mode := params.Mode
	if mode == "" {
		mode = ModeStrict
	}
	pricingVersion := params.PricingVersion
	if pricingVersion == "" {
		pricingVersion = LatestPricingVersion
	}
	currency := params.Currency
	if currency == "" {
		currency = e.source.Currency()
	}

	if err := e.validatePricingVersion(pricingVersion); err != nil {
		return nil, err
	}
	if err := e.validateCurrency(currency); err != nil {
		return nil, err
	}
	if err := validateMode(mode); err != nil {
		return nil, err
	}
	if err := validateUsage(params.Usage); err != nil {
		return nil, err
	}

	resolvedModel, rateMap, tierWarning, err := e.resolveRateMap(ctx, params)
	if err != nil {
		return nil, err
	}

	totalRaw := decimal.Zero
	warnings := []string{}
	if tierWarning != "" {
		warnings = append(warnings, tierWarning)
	}
	breakdown := []BreakdownItem{}

	for _, dimension := range sortedDimensions(params.Usage) {
		quantity := params.Usage[dimension]
		if quantity == 0 {
			continue
		}

		rate, rated := rateMap[dimension]
		if _, supported := SupportedDimensions[dimension]; !supported || !rated {
			if mode == ModeStrict {
				return nil, NewPricingError(CodeUnsupportedDimension, "Unsupported dimension", map[string]any{
					"provider":  params.Provider,
					"model":     resolvedModel,
					"dimension": dimension,
				})
			}
			warnings = append(warnings, fmt.Sprintf(
				"Ignored unsupported dimension '%s' for provider '%s' model '%s'",
				dimension, params.Provider, resolvedModel,
			))
			continue
		}

		costRaw := computeCost(quantity, rate)
		totalRaw = totalRaw.Add(costRaw)
		breakdown = append(breakdown, BreakdownItem{
			Dimension: dimension,
			Quantity:  quantity,
			Rate:      rate.Raw,
			Cost:      toFixed6(costRaw),
		})
	}

	return &EstimateResult{
		PricingVersion: e.source.PricingVersion(),
		Provider:       params.Provider,
		Model:          resolvedModel,
		Breakdown:      breakdown,
		Currency:       e.source.Currency(),
		TotalCost:      toFixed6(totalRaw),
		Warnings:       warnings,
		ComputedAt:     time.Now().UTC(),
		EngineVersion:  e.engineVersion,
	}, nil
}

// resolveRateMap picks the effective ratecard: a request override when
// present, otherwise the registry model's base ratecard with tier
// selection applied.
func (e *Engine) resolveRateMap(
	ctx context.Context,
	params EstimateParams,
) (string, Ratecard, string, error) {
	if params.Override != nil {
		if params.Override.Currency != e.source.Currency() {
			return "", nil, "", NewPricingError(CodeInvalidRequest,
				fmt.Sprintf("Override currency must be %s", e.source.Currency()),
				map[string]any{"currency": params.Override.Currency},
			)
		}
		return params.Model, params.Override.Billable, "", nil
	}

	provider, err := e.source.GetProvider(ctx, params.Provider)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, "", NewPricingError(CodeProviderNotSupported, "Provider not supported", map[string]any{
				"provider": params.Provider,
			})
		}
		return "", nil, "", NewInternalError()
	}

	resolvedModel := e.source.ResolveModel(ctx, params.Provider, params.Model)
	model, ok := provider.Models[resolvedModel]
	if !ok {
		return "", nil, "", NewPricingError(CodeModelNotFound, "Model not found", map[string]any{
			"provider": params.Provider,
			"model":    params.Model,
		})
	}

	rateMap := model.Billable
	tierWarning := ""

	if len(model.PricingTiers) > 0 {
		tiers := make([]PricingTier, len(model.PricingTiers))
		copy(tiers, model.PricingTiers)
		sort.SliceStable(tiers, func(i, j int) bool {
			return tiers[i].Condition.GreaterThan > tiers[j].Condition.GreaterThan
		})

		// Highest threshold wins; equality does not trigger a tier.
		for _, tier := range tiers {
			value := resolveDimension(tier.Condition.Dimension, params.Usage)
			if value > tier.Condition.GreaterThan {
				rateMap = tier.Billable
				tierWarning = fmt.Sprintf("Pricing tier applied: %s %d > %d.",
					tier.Condition.Dimension, value, tier.Condition.GreaterThan)
				break
			}
		}
	}

	return resolvedModel, rateMap, tierWarning, nil
}

// resolveDimension reads a tier condition value from the usage map,
// aggregating cached and uncached input tokens for context_tokens.
func resolveDimension(dimension string, usage map[string]int64) int64 {
	if dimension == ContextTokensDimension {
		return usage["input_tokens_uncached"] + usage["input_tokens_cached"]
	}
	return usage[dimension]
}

// computeCost returns the exact, unrounded cost of one dimension.
func computeCost(quantity int64, rate Rate) decimal.Decimal {
	if rate.Kind == RatePerMillion {
		// quantity * 10^-6 is exact, so no division error accumulates.
		return decimal.New(quantity, -6).Mul(rate.Value)
	}
	return decimal.NewFromInt(quantity).Mul(rate.Value)
}

// toFixed6 rounds half-up to exactly six fractional digits.
func toFixed6(value decimal.Decimal) string {
	return value.StringFixed(6)
}

func sortedDimensions(usage map[string]int64) []string {
	dimensions := make([]string, 0, len(usage))
	for dimension := range usage {
		dimensions = append(dimensions, dimension)
	}
	sort.Strings(dimensions)
	return dimensions
}

func validateMode(mode string) error {
	if mode == ModeStrict || mode == ModeLenient {
		return nil
	}
	return NewPricingError(CodeInvalidRequest, "Mode must be strict or lenient", map[string]any{
		"mode": mode,
	})
}

func (e *Engine) validatePricingVersion(pricingVersion string) error {
	if pricingVersion == LatestPricingVersion || pricingVersion == e.source.PricingVersion() {
		return nil
	}
	return NewPricingError(CodePricingVersionNotFound, "Pricing version not found", map[string]any{
		"pricing_version": pricingVersion,
	})
}

func (e *Engine) validateCurrency(currency string) error {
	if currency == e.source.Currency() {
		return nil
	}
	return NewPricingError(CodeInvalidRequest,
		fmt.Sprintf("Currency must be %s", e.source.Currency()),
		map[string]any{"currency": currency},
	)
}

func validateUsage(usage map[string]int64) error {
	for dimension, quantity := range usage {
		if dimension == "" {
			return NewPricingError(CodeInvalidRequest, "Usage dimensions must be non-empty strings", map[string]any{
				"dimension": dimension,
			})
		}
		if quantity < 0 || quantity > MaxDimensionQuantity {
			return NewPricingError(CodeInvalidRequest, "Usage quantity out of range", map[string]any{
				"dimension": dimension,
				"min":       0,
				"max":       MaxDimensionQuantity,
				"quantity":  quantity,
			})
		}
	}
	return nil
}
