package httpserver

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/davidbz/tariff/internal/domain"
)

// Gateway pricing modes accepted on requests. The setting is a documented
// no-op: any value other than preferGateway only adds an advisory warning.
const (
	preferGateway  = "prefer_gateway"
	preferProvider = "prefer_provider"
	registryOnly   = "registry_only"
)

const gatewayModeWarning = "gateway_pricing_mode is not yet implemented; " +
	"all requests use registry pricing regardless of this setting"

type rateSpec struct {
	Per1M   *json.Number `json:"per_1m,omitempty"`
	PerUnit *json.Number `json:"per_unit,omitempty"`
}

type overrideRatecardRequest struct {
	Currency string              `json:"currency"`
	Billable map[string]rateSpec `json:"billable"`
}

type estimateOverrides struct {
	Ratecard *overrideRatecardRequest `json:"ratecard,omitempty"`
}

type estimateOptions struct {
	PricingVersion     string `json:"pricing_version,omitempty"`
	Mode               string `json:"mode,omitempty"`
	GatewayPricingMode string `json:"gateway_pricing_mode,omitempty"`
}

type estimateRequest struct {
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Usage     map[string]int64  `json:"usage"`
	Options   estimateOptions   `json:"options"`
	Overrides estimateOverrides `json:"overrides"`
}

type batchEstimateRequest struct {
	Items []estimateRequest `json:"items"`
}

type totalCost struct {
	Currency string `json:"currency"`
	Cost     string `json:"cost"`
}

type estimateMeta struct {
	ComputedAt    string `json:"computed_at"`
	EngineVersion string `json:"engine_version"`
}

type estimateResponse struct {
	PricingVersion string                 `json:"pricing_version"`
	Provider       string                 `json:"provider"`
	Model          string                 `json:"model"`
	Breakdown      []domain.BreakdownItem `json:"breakdown"`
	Total          totalCost              `json:"total"`
	Warnings       []string               `json:"warnings"`
	Meta           estimateMeta           `json:"meta"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type batchErrorItem struct {
	Index int       `json:"index"`
	Error errorBody `json:"error"`
}

type batchEstimateResponse struct {
	PricingVersion string             `json:"pricing_version"`
	Results        []estimateResponse `json:"results"`
	Errors         []batchErrorItem   `json:"errors"`
}

type providerSummary struct {
	Provider     string   `json:"provider"`
	ModelCount   int      `json:"model_count"`
	Capabilities []string `json:"capabilities"`
}

type providersResponse struct {
	PricingVersion string            `json:"pricing_version"`
	Providers      []providerSummary `json:"providers"`
}

type modelSummary struct {
	Model         string                       `json:"model"`
	EffectiveFrom string                       `json:"effective_from"`
	Capabilities  []string                     `json:"capabilities"`
	Metadata      map[string]any               `json:"metadata,omitempty"`
	Billable      map[string]map[string]string `json:"billable,omitempty"`
}

type modelsResponse struct {
	PricingVersion string         `json:"pricing_version"`
	Provider       string         `json:"provider"`
	Models         []modelSummary `json:"models"`
}

type versionResponse struct {
	PricingVersion string `json:"pricing_version"`
}

type healthResponse struct {
	Status         string `json:"status"`
	PricingVersion string `json:"pricing_version"`
	EngineVersion  string `json:"engine_version"`
}

// validate applies the request-schema checks the engine relies on the
// boundary for: non-empty identifiers, non-empty usage, a well-formed
// override ratecard, and a known gateway pricing mode.
func (req *estimateRequest) validate() []string {
	var problems []string

	if req.Provider == "" {
		problems = append(problems, "provider must be a non-empty string")
	}
	if req.Model == "" {
		problems = append(problems, "model must be a non-empty string")
	}
	if len(req.Usage) == 0 {
		problems = append(problems, "usage must contain at least one dimension")
	}

	switch req.Options.GatewayPricingMode {
	case "", preferGateway, preferProvider, registryOnly:
	default:
		problems = append(problems, fmt.Sprintf(
			"gateway_pricing_mode must be one of %s, %s, %s",
			preferGateway, preferProvider, registryOnly,
		))
	}

	if req.Overrides.Ratecard != nil {
		problems = append(problems, req.Overrides.Ratecard.validate()...)
	}

	return problems
}

func (o *overrideRatecardRequest) validate() []string {
	var problems []string

	if len(o.Billable) == 0 {
		problems = append(problems, "override ratecard billable map must not be empty")
	}

	var invalid []string
	for dimension, spec := range o.Billable {
		if _, ok := domain.SupportedDimensions[dimension]; !ok {
			invalid = append(invalid, dimension)
		}

		if (spec.Per1M == nil) == (spec.PerUnit == nil) {
			problems = append(problems, fmt.Sprintf(
				"exactly one of per_1m or per_unit must be provided for '%s'", dimension,
			))
			continue
		}

		number := spec.Per1M
		if number == nil {
			number = spec.PerUnit
		}
		value, err := decimal.NewFromString(number.String())
		if err != nil {
			problems = append(problems, fmt.Sprintf("rate for '%s' is not a valid decimal", dimension))
			continue
		}
		if value.IsNegative() {
			problems = append(problems, fmt.Sprintf("rate for '%s' must be >= 0", dimension))
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		problems = append(problems, fmt.Sprintf("unsupported billable dimensions in overrides: %v", invalid))
	}

	return problems
}

// toOverride converts a validated override request into the engine's value
// type, preserving the caller's numeric strings as raw rate forms.
func (o *overrideRatecardRequest) toOverride() *domain.OverrideRatecard {
	currency := o.Currency
	if currency == "" {
		currency = "USD"
	}

	billable := make(domain.Ratecard, len(o.Billable))
	for dimension, spec := range o.Billable {
		kind := domain.RatePerMillion
		number := spec.Per1M
		if number == nil {
			kind = domain.RatePerUnit
			number = spec.PerUnit
		}
		value, _ := decimal.NewFromString(number.String())
		billable[dimension] = domain.Rate{
			Kind:  kind,
			Value: value,
			Raw:   number.String(),
		}
	}

	return &domain.OverrideRatecard{
		Currency: currency,
		Billable: billable,
	}
}

func (req *estimateRequest) toParams() domain.EstimateParams {
	params := domain.EstimateParams{
		Provider:       req.Provider,
		Model:          req.Model,
		Usage:          req.Usage,
		Mode:           req.Options.Mode,
		PricingVersion: req.Options.PricingVersion,
	}
	if req.Overrides.Ratecard != nil {
		params.Override = req.Overrides.Ratecard.toOverride()
	}
	return params
}

// gatewayModeWarningFor returns the advisory no-op warning for any
// non-default gateway pricing mode.
func gatewayModeWarningFor(mode string) string {
	if mode == "" || mode == preferGateway {
		return ""
	}
	return gatewayModeWarning
}
