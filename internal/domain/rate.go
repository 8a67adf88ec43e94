package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateKind discriminates the two ways a dimension can be priced.
type RateKind string

const (
	// RatePerMillion prices a dimension per one million units.
	RatePerMillion RateKind = "per_1m"

	// RatePerUnit prices a dimension per single unit.
	RatePerUnit RateKind = "per_unit"
)

// MaxDimensionQuantity is the largest accepted quantity for a single
// usage dimension.
const MaxDimensionQuantity int64 = 10_000_000_000

// ContextTokensDimension is a synthetic tier dimension aggregating cached
// and uncached input tokens.
const ContextTokensDimension = "context_tokens"

// SupportedDimensions is the fixed set of billable usage dimensions.
var SupportedDimensions = map[string]struct{}{
	"input_tokens_uncached": {},
	"input_tokens_cached":   {},
	"output_tokens":         {},
	"reasoning_tokens":      {},
	"embedding_tokens":      {},
	"tool_calls":            {},
	"image_count":           {},
	"image_megapixels":      {},
	"audio_input_seconds":   {},
	"audio_output_seconds":  {},
	"requests":              {},
}

// Rate is a single price for a billing dimension. Raw preserves the exact
// numeric string from the registry so responses round-trip without
// serialization drift.
type Rate struct {
	Kind  RateKind
	Value decimal.Decimal
	Raw   string
}

// Ratecard maps billing dimensions to rates.
type Ratecard map[string]Rate

// TierCondition is a usage threshold that activates a pricing tier.
// Dimension may be a literal usage key or ContextTokensDimension.
type TierCondition struct {
	Dimension   string
	GreaterThan int64
}

// PricingTier is a conditional ratecard that replaces a model's base
// ratecard when its condition value strictly exceeds the threshold.
type PricingTier struct {
	Condition TierCondition
	Billable  Ratecard
}

// Model is a priced model owned by a provider.
type Model struct {
	ID            string
	EffectiveFrom string
	Billable      Ratecard
	PricingTiers  []PricingTier
	Capabilities  []string
	Metadata      map[string]any
}

// Provider is a set of models keyed by canonical model id.
type Provider struct {
	ID     string
	Models map[string]Model
	Source map[string]any
}

// RegistryMeta describes the active pricing registry snapshot. Loaded once
// at startup and immutable for the process lifetime.
type RegistryMeta struct {
	PricingVersion string
	Currency       string
	PublishedAt    string
	SchemaVersion  int
}

// OverrideRatecard is a per-request ratecard that bypasses registry and
// tier resolution entirely.
type OverrideRatecard struct {
	Currency string
	Billable Ratecard
}

// BreakdownItem is one priced dimension in an estimate.
type BreakdownItem struct {
	Dimension string `json:"dimension"`
	Quantity  int64  `json:"quantity"`
	Rate      string `json:"rate"`
	Cost      string `json:"cost"`
}

// EstimateResult is the immutable outcome of a single estimate.
type EstimateResult struct {
	PricingVersion string
	Provider       string
	Model          string
	Breakdown      []BreakdownItem
	Currency       string
	TotalCost      string
	Warnings       []string
	ComputedAt     time.Time
	EngineVersion  string
}
