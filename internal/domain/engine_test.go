package domain_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/tariff/internal/domain"
)

// stubSource is an in-memory RateSource for engine tests.
type stubSource struct {
	version         string
	currency        string
	providers       map[string]*domain.Provider
	providerAliases map[string]string
	modelAliases    map[string]map[string]string
}

func (s *stubSource) PricingVersion() string { return s.version }

func (s *stubSource) Currency() string { return s.currency }

func (s *stubSource) GetProvider(_ context.Context, provider string) (*domain.Provider, error) {
	canonical := s.resolveProvider(provider)
	if p, ok := s.providers[canonical]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q: %w", provider, domain.ErrNotFound)
}

func (s *stubSource) ResolveModel(_ context.Context, provider, model string) string {
	canonical := s.resolveProvider(provider)
	if alias, ok := s.modelAliases[canonical][model]; ok {
		return alias
	}
	return model
}

func (s *stubSource) resolveProvider(provider string) string {
	resolved := provider
	for i := 0; i < len(s.providerAliases)+1; i++ {
		next, ok := s.providerAliases[resolved]
		if !ok {
			return resolved
		}
		resolved = next
	}
	return provider
}

func mustRate(kind domain.RateKind, raw string) domain.Rate {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		panic(err)
	}
	return domain.Rate{Kind: kind, Value: value, Raw: raw}
}

func perMillion(raw string) domain.Rate { return mustRate(domain.RatePerMillion, raw) }

func perUnit(raw string) domain.Rate { return mustRate(domain.RatePerUnit, raw) }

func tokenRatecard(uncached, cached, output string) domain.Ratecard {
	return domain.Ratecard{
		"input_tokens_uncached": perMillion(uncached),
		"input_tokens_cached":   perMillion(cached),
		"output_tokens":         perMillion(output),
	}
}

func newTestEngine() *domain.Engine {
	source := &stubSource{
		version:  "2026-02-22",
		currency: "USD",
		providers: map[string]*domain.Provider{
			"openai": {
				ID: "openai",
				Models: map[string]domain.Model{
					"gpt-4.1-mini": {
						ID:            "gpt-4.1-mini",
						EffectiveFrom: "2026-02-01",
						Billable:      tokenRatecard("0.8", "0.2", "3.2"),
					},
					"gpt-5.2": {
						ID:            "gpt-5.2",
						EffectiveFrom: "2026-02-15",
						Billable:      tokenRatecard("1.75", "0.175", "14.0"),
					},
				},
			},
			"xai": {
				ID: "xai",
				Models: map[string]domain.Model{
					"grok-4": {
						ID:            "grok-4",
						EffectiveFrom: "2026-02-01",
						Billable:      tokenRatecard("3.0", "0.75", "15.0"),
					},
				},
			},
			"anthropic": {
				ID: "anthropic",
				Models: map[string]domain.Model{
					"claude-sonnet-4-5": {
						ID:            "claude-sonnet-4-5",
						EffectiveFrom: "2026-02-01",
						Billable:      tokenRatecard("3.0", "0.3", "15.0"),
						PricingTiers: []domain.PricingTier{
							// Deliberately in ascending threshold order; the
							// engine must evaluate highest threshold first.
							{
								Condition: domain.TierCondition{Dimension: "context_tokens", GreaterThan: 200000},
								Billable:  tokenRatecard("6.0", "0.6", "22.5"),
							},
							{
								Condition: domain.TierCondition{Dimension: "context_tokens", GreaterThan: 500000},
								Billable:  tokenRatecard("9.0", "0.9", "30.0"),
							},
						},
					},
				},
			},
		},
		providerAliases: map[string]string{"grok": "xai"},
		modelAliases: map[string]map[string]string{
			"openai": {"gpt-5": "gpt-5.2"},
		},
	}

	return domain.NewEngine(source, "0.1.0")
}

func requirePricingError(t *testing.T, err error, code string) *domain.PricingError {
	t.Helper()
	require.Error(t, err)
	var pricingErr *domain.PricingError
	require.ErrorAs(t, err, &pricingErr)
	require.Equal(t, code, pricingErr.Code)
	return pricingErr
}

func TestEngine_Estimate(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	t.Run("standard token usage", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage: map[string]int64{
				"input_tokens_uncached": 1200,
				"input_tokens_cached":   800,
				"output_tokens":         350,
			},
		})
		require.NoError(t, err)

		require.Equal(t, "2026-02-22", result.PricingVersion)
		require.Equal(t, "USD", result.Currency)
		require.Equal(t, "0.002240", result.TotalCost)
		require.Equal(t, "0.1.0", result.EngineVersion)
		require.Empty(t, result.Warnings)

		// Breakdown iterates dimensions in lexicographic order.
		require.Len(t, result.Breakdown, 3)
		require.Equal(t, "input_tokens_cached", result.Breakdown[0].Dimension)
		require.Equal(t, "input_tokens_uncached", result.Breakdown[1].Dimension)
		require.Equal(t, "output_tokens", result.Breakdown[2].Dimension)
		require.Equal(t, "0.000160", result.Breakdown[0].Cost)
		require.Equal(t, "0.000960", result.Breakdown[1].Cost)
		require.Equal(t, "0.001120", result.Breakdown[2].Cost)
		require.Equal(t, "0.2", result.Breakdown[0].Rate)
	})

	t.Run("zero quantities emit no breakdown entries", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage: map[string]int64{
				"input_tokens_uncached": 1000,
				"output_tokens":         0,
			},
		})
		require.NoError(t, err)
		require.Len(t, result.Breakdown, 1)
		require.Equal(t, "input_tokens_uncached", result.Breakdown[0].Dimension)
	})

	t.Run("provider alias preserves caller string", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "grok",
			Model:    "grok-4",
			Usage:    map[string]int64{"input_tokens_uncached": 1_000_000},
		})
		require.NoError(t, err)
		require.Equal(t, "grok", result.Provider)
		require.Equal(t, "grok-4", result.Model)
		require.Equal(t, "3.000000", result.TotalCost)
	})

	t.Run("model alias resolves to canonical id", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-5",
			Usage:    map[string]int64{"input_tokens_uncached": 1_000_000},
		})
		require.NoError(t, err)
		require.Equal(t, "gpt-5.2", result.Model)
		require.Equal(t, "1.750000", result.TotalCost)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "nonexistent",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"input_tokens_uncached": 1000},
		})
		pricingErr := requirePricingError(t, err, domain.CodeProviderNotSupported)
		require.Equal(t, "nonexistent", pricingErr.Details["provider"])
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "does-not-exist",
			Usage:    map[string]int64{"input_tokens_uncached": 1000},
		})
		requirePricingError(t, err, domain.CodeModelNotFound)
	})

	t.Run("pricing version not found", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider:       "openai",
			Model:          "gpt-4.1-mini",
			Usage:          map[string]int64{"input_tokens_uncached": 1000},
			PricingVersion: "2025-01-01",
		})
		requirePricingError(t, err, domain.CodePricingVersionNotFound)
	})

	t.Run("active pricing version accepted", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider:       "openai",
			Model:          "gpt-4.1-mini",
			Usage:          map[string]int64{"input_tokens_uncached": 1000},
			PricingVersion: "2026-02-22",
		})
		require.NoError(t, err)
	})

	t.Run("currency mismatch", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"input_tokens_uncached": 1000},
			Currency: "EUR",
		})
		requirePricingError(t, err, domain.CodeInvalidRequest)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"input_tokens_uncached": 1000},
			Mode:     "permissive",
		})
		requirePricingError(t, err, domain.CodeInvalidRequest)
	})
}

func TestEngine_Estimate_UsageValidation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	tests := []struct {
		name  string
		usage map[string]int64
	}{
		{
			name:  "empty dimension key",
			usage: map[string]int64{"": 10},
		},
		{
			name:  "negative quantity",
			usage: map[string]int64{"input_tokens_uncached": -1},
		},
		{
			name:  "quantity above maximum",
			usage: map[string]int64{"input_tokens_uncached": domain.MaxDimensionQuantity + 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Estimate(ctx, domain.EstimateParams{
				Provider: "openai",
				Model:    "gpt-4.1-mini",
				Usage:    tt.usage,
			})
			requirePricingError(t, err, domain.CodeInvalidRequest)
		})
	}

	t.Run("quantity at maximum accepted", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"input_tokens_uncached": domain.MaxDimensionQuantity},
		})
		require.NoError(t, err)
	})
}

func TestEngine_Estimate_Tiers(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	t.Run("tier applies above threshold", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Usage: map[string]int64{
				"input_tokens_uncached": 150000,
				"input_tokens_cached":   100000,
			},
		})
		require.NoError(t, err)

		// context_tokens = 250000 > 200000: tier rates apply.
		require.Equal(t, []string{"Pricing tier applied: context_tokens 250000 > 200000."}, result.Warnings)
		require.Equal(t, "6.0", result.Breakdown[1].Rate)
		// 150000/1e6*6.0 + 100000/1e6*0.6
		require.Equal(t, "0.960000", result.TotalCost)
	})

	t.Run("boundary value does not trigger tier", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Usage: map[string]int64{
				"input_tokens_uncached": 100000,
				"input_tokens_cached":   100000,
			},
		})
		require.NoError(t, err)
		require.Empty(t, result.Warnings)
		require.Equal(t, "3.0", result.Breakdown[1].Rate)
		// 100000/1e6*3.0 + 100000/1e6*0.3
		require.Equal(t, "0.330000", result.TotalCost)
	})

	t.Run("highest matching threshold wins", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Usage:    map[string]int64{"input_tokens_uncached": 600000},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"Pricing tier applied: context_tokens 600000 > 500000."}, result.Warnings)
		// 600000/1e6*9.0
		require.Equal(t, "5.400000", result.TotalCost)
	})
}

func TestEngine_Estimate_UnsupportedDimensions(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	t.Run("strict mode rejects unrated dimension", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"reasoning_tokens": 10},
			Mode:     domain.ModeStrict,
		})
		pricingErr := requirePricingError(t, err, domain.CodeUnsupportedDimension)
		require.Equal(t, "reasoning_tokens", pricingErr.Details["dimension"])
		require.Equal(t, "gpt-4.1-mini", pricingErr.Details["model"])
	})

	t.Run("lenient mode skips with warning", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"reasoning_tokens": 10},
			Mode:     domain.ModeLenient,
		})
		require.NoError(t, err)
		require.Equal(t, "0.000000", result.TotalCost)
		require.Empty(t, result.Breakdown)
		require.Equal(t, []string{
			"Ignored unsupported dimension 'reasoning_tokens' for provider 'openai' model 'gpt-4.1-mini'",
		}, result.Warnings)
	})

	t.Run("dimension outside enumeration", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"video_frames": 10},
			Mode:     domain.ModeStrict,
		})
		requirePricingError(t, err, domain.CodeUnsupportedDimension)
	})
}

func TestEngine_Estimate_Override(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	t.Run("override bypasses registry lookup", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "unknown-provider",
			Model:    "custom-model",
			Usage: map[string]int64{
				"input_tokens_uncached": 1_000_000,
				"image_count":           3,
			},
			Override: &domain.OverrideRatecard{
				Currency: "USD",
				Billable: domain.Ratecard{
					"input_tokens_uncached": perMillion("1.0"),
					"image_count":           perUnit("0.5"),
				},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "custom-model", result.Model)
		require.Equal(t, "2.500000", result.TotalCost)
	})

	t.Run("override currency mismatch", func(t *testing.T) {
		_, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
			Usage:    map[string]int64{"input_tokens_uncached": 1000},
			Override: &domain.OverrideRatecard{
				Currency: "EUR",
				Billable: domain.Ratecard{"input_tokens_uncached": perMillion("1.0")},
			},
		})
		requirePricingError(t, err, domain.CodeInvalidRequest)
	})

	t.Run("tiers never apply under override", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Usage:    map[string]int64{"input_tokens_uncached": 600000},
			Override: &domain.OverrideRatecard{
				Currency: "USD",
				Billable: domain.Ratecard{"input_tokens_uncached": perMillion("1.0")},
			},
		})
		require.NoError(t, err)
		require.Empty(t, result.Warnings)
		require.Equal(t, "0.600000", result.TotalCost)
	})
}

func TestEngine_Estimate_Rounding(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	t.Run("half values round up", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "any",
			Model:    "any",
			Usage:    map[string]int64{"requests": 1},
			Override: &domain.OverrideRatecard{
				Currency: "USD",
				Billable: domain.Ratecard{"requests": perUnit("0.0000015")},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "0.000002", result.TotalCost)
	})

	t.Run("total sums unrounded costs", func(t *testing.T) {
		result, err := engine.Estimate(ctx, domain.EstimateParams{
			Provider: "any",
			Model:    "any",
			Usage: map[string]int64{
				"requests":   1,
				"tool_calls": 1,
			},
			Override: &domain.OverrideRatecard{
				Currency: "USD",
				Billable: domain.Ratecard{
					"requests":   perUnit("0.0000005"),
					"tool_calls": perUnit("0.0000005"),
				},
			},
		})
		require.NoError(t, err)

		// Each breakdown line rounds its half up, but the total is the
		// rounded sum of the exact costs, not the sum of rounded lines.
		require.Equal(t, "0.000001", result.Breakdown[0].Cost)
		require.Equal(t, "0.000001", result.Breakdown[1].Cost)
		require.Equal(t, "0.000001", result.TotalCost)
	})
}

func TestEngine_Estimate_Idempotent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	params := domain.EstimateParams{
		Provider: "openai",
		Model:    "gpt-4.1-mini",
		Usage: map[string]int64{
			"input_tokens_uncached": 1200,
			"input_tokens_cached":   800,
			"output_tokens":         350,
		},
	}

	first, err := engine.Estimate(ctx, params)
	require.NoError(t, err)
	second, err := engine.Estimate(ctx, params)
	require.NoError(t, err)

	require.Equal(t, first.Breakdown, second.Breakdown)
	require.Equal(t, first.TotalCost, second.TotalCost)
	require.Equal(t, first.Model, second.Model)
	require.Equal(t, first.Provider, second.Provider)
}
