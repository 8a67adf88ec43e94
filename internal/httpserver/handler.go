package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davidbz/tariff/internal/domain"
	"github.com/davidbz/tariff/internal/observability"
	"github.com/davidbz/tariff/internal/pricing"
)

// MaxBatchSize caps the number of items in a batch estimate request.
const MaxBatchSize = 100

// Handler handles HTTP requests.
type Handler struct {
	registry *pricing.Registry
	engine   *domain.Engine
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(registry *pricing.Registry, engine *domain.Engine) *Handler {
	return &Handler{
		registry: registry,
		engine:   engine,
	}
}

// HandleEstimate processes single estimate requests.
func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeError(ctx, w, methodNotAllowed())
		return
	}

	var req estimateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(ctx, w, invalidBody(err))
		return
	}

	ctx = observability.WithProvider(ctx, req.Provider)
	ctx = observability.WithModel(ctx, req.Model)

	logger := observability.FromContext(ctx)
	logger.Info("estimate requested")

	response, pricingErr := h.estimateOne(ctx, &req)
	if pricingErr != nil {
		writeError(ctx, w, pricingErr)
		return
	}

	logger.Info("estimate computed",
		zap.String("total_cost", response.Total.Cost),
		zap.Int("breakdown_entries", len(response.Breakdown)),
	)

	writeJSON(ctx, w, http.StatusOK, response)
}

// HandleEstimateBatch processes batch estimate requests with partial
// success: each item fails or succeeds on its own.
func (h *Handler) HandleEstimateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeError(ctx, w, methodNotAllowed())
		return
	}

	var req batchEstimateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(ctx, w, invalidBody(err))
		return
	}

	if len(req.Items) == 0 || len(req.Items) > MaxBatchSize {
		writeError(ctx, w, validationError([]string{
			"items must contain between 1 and " + strconv.Itoa(MaxBatchSize) + " entries",
		}))
		return
	}

	results := []estimateResponse{}
	batchErrors := []batchErrorItem{}

	for index := range req.Items {
		item := &req.Items[index]
		response, pricingErr := h.estimateOne(ctx, item)
		if pricingErr != nil {
			batchErrors = append(batchErrors, batchErrorItem{
				Index: index,
				Error: errorBody{
					Code:    pricingErr.Code,
					Message: pricingErr.Message,
					Details: pricingErr.Details,
				},
			})
			continue
		}
		results = append(results, *response)
	}

	writeJSON(ctx, w, http.StatusOK, batchEstimateResponse{
		PricingVersion: h.registry.PricingVersion(),
		Results:        results,
		Errors:         batchErrors,
	})
}

// estimateOne validates one request and runs it through the engine.
func (h *Handler) estimateOne(ctx context.Context, req *estimateRequest) (*estimateResponse, *domain.PricingError) {
	if problems := req.validate(); len(problems) > 0 {
		return nil, validationError(problems)
	}

	result, err := h.engine.Estimate(ctx, req.toParams())
	if err != nil {
		return nil, asPricingError(ctx, err)
	}

	warnings := result.Warnings
	if warning := gatewayModeWarningFor(req.Options.GatewayPricingMode); warning != "" {
		warnings = append(warnings, warning)
	}

	return &estimateResponse{
		PricingVersion: result.PricingVersion,
		Provider:       result.Provider,
		Model:          result.Model,
		Breakdown:      result.Breakdown,
		Total: totalCost{
			Currency: result.Currency,
			Cost:     result.TotalCost,
		},
		Warnings: warnings,
		Meta: estimateMeta{
			ComputedAt:    result.ComputedAt.Format(time.RFC3339Nano),
			EngineVersion: result.EngineVersion,
		},
	}, nil
}

// HandleProviders lists providers with model counts and capabilities.
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		writeError(ctx, w, methodNotAllowed())
		return
	}

	providers := []providerSummary{}
	for _, name := range h.registry.ListProviders() {
		provider, err := h.registry.GetProvider(ctx, name)
		if err != nil {
			observability.FromContext(ctx).Error("failed to load provider",
				zap.String("provider", name), zap.Error(err))
			continue
		}

		capabilitySet := map[string]struct{}{}
		for _, model := range provider.Models {
			for _, capability := range model.Capabilities {
				capabilitySet[capability] = struct{}{}
			}
		}
		capabilities := make([]string, 0, len(capabilitySet))
		for capability := range capabilitySet {
			capabilities = append(capabilities, capability)
		}
		sort.Strings(capabilities)

		providers = append(providers, providerSummary{
			Provider:     provider.ID,
			ModelCount:   len(provider.Models),
			Capabilities: capabilities,
		})
	}

	writeJSON(ctx, w, http.StatusOK, providersResponse{
		PricingVersion: h.registry.PricingVersion(),
		Providers:      providers,
	})
}

// HandleModels lists a provider's models, optionally with rate details.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		writeError(ctx, w, methodNotAllowed())
		return
	}

	provider := r.URL.Query().Get("provider")
	if provider == "" {
		writeError(ctx, w, validationError([]string{"provider query parameter is required"}))
		return
	}

	includeRates := false
	if raw := r.URL.Query().Get("include_rates"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(ctx, w, validationError([]string{"include_rates must be a boolean"}))
			return
		}
		includeRates = parsed
	}

	models, err := h.registry.ListModels(ctx, provider)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(ctx, w, domain.NewPricingError(
				domain.CodeProviderNotSupported,
				"Provider not supported",
				map[string]any{"provider": provider},
			))
			return
		}
		writeError(ctx, w, asPricingError(ctx, err))
		return
	}

	summaries := make([]modelSummary, 0, len(models))
	for _, model := range models {
		summary := modelSummary{
			Model:         model.ID,
			EffectiveFrom: model.EffectiveFrom,
			Capabilities:  model.Capabilities,
			Metadata:      model.Metadata,
		}
		if includeRates {
			summary.Billable = h.registry.SerializeRatecard(model.Billable)
		}
		summaries = append(summaries, summary)
	}

	writeJSON(ctx, w, http.StatusOK, modelsResponse{
		PricingVersion: h.registry.PricingVersion(),
		Provider:       provider,
		Models:         summaries,
	})
}

// HandleVersions returns the active pricing version.
func (h *Handler) HandleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, versionResponse{
		PricingVersion: h.registry.PricingVersion(),
	})
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, healthResponse{
		Status:         "ok",
		PricingVersion: h.registry.PricingVersion(),
		EngineVersion:  h.engine.EngineVersion(),
	})
}

// ---------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func methodNotAllowed() *domain.PricingError {
	return &domain.PricingError{
		Code:       domain.CodeInvalidRequest,
		Message:    "Method not allowed",
		StatusCode: http.StatusMethodNotAllowed,
		Details:    map[string]any{},
	}
}

func invalidBody(err error) *domain.PricingError {
	return domain.NewPricingError(domain.CodeInvalidRequest, "Request validation failed", map[string]any{
		"validation_errors": []string{err.Error()},
	})
}

func validationError(problems []string) *domain.PricingError {
	return domain.NewPricingError(domain.CodeInvalidRequest, "Request validation failed", map[string]any{
		"validation_errors": problems,
	})
}

// asPricingError keeps structured pricing errors and downgrades anything
// unexpected to an opaque internal error.
func asPricingError(ctx context.Context, err error) *domain.PricingError {
	var pricingErr *domain.PricingError
	if errors.As(err, &pricingErr) {
		return pricingErr
	}

	observability.FromContext(ctx).Error("internal error", zap.Error(err))
	return domain.NewInternalError()
}

func writeError(ctx context.Context, w http.ResponseWriter, err *domain.PricingError) {
	if err.StatusCode >= http.StatusInternalServerError {
		observability.FromContext(ctx).Error("pricing error",
			zap.String("error_code", err.Code),
			zap.Int("status_code", err.StatusCode),
		)
	} else {
		observability.FromContext(ctx).Info("pricing error",
			zap.String("error_code", err.Code),
			zap.Int("status_code", err.StatusCode),
		)
	}

	writeJSON(ctx, w, err.StatusCode, errorEnvelope{
		Error: errorBody{
			Code:    err.Code,
			Message: err.Message,
			Details: err.Details,
		},
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.FromContext(ctx).Error("failed to encode response", zap.Error(err))
	}
}
