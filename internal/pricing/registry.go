// Package pricing loads the versioned rate registry from disk and serves
// read-only provider, model, and alias lookups to the billing engine.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/davidbz/tariff/internal/domain"
)

const (
	metaFilename = "registry_meta.json"
	providersDir = "providers"
	aliasesDir   = "aliases"
)

// Registry owns all pricing state for the process. Metadata and the
// provider file index are loaded at construction; provider contents and
// alias maps are parsed lazily on first access and cached for the
// registry's lifetime. All reads are safe for unlimited concurrency.
type Registry struct {
	meta          domain.RegistryMeta
	providerFiles map[string]string
	aliasesPath   string

	mu        sync.RWMutex
	providers map[string]*domain.Provider

	modelAliasOnce sync.Once
	modelAliases   map[string]map[string]string

	providerAliasOnce sync.Once
	providerAliases   map[string]string
}

// New builds a registry rooted at dir. Metadata schema violations are
// fatal here; provider files are only discovered, not read.
func New(dir string) (*Registry, error) {
	meta, err := loadMeta(filepath.Join(dir, metaFilename))
	if err != nil {
		return nil, err
	}

	files, err := discoverProviders(filepath.Join(dir, providersDir))
	if err != nil {
		return nil, err
	}

	return &Registry{
		meta:          meta,
		providerFiles: files,
		aliasesPath:   filepath.Join(dir, aliasesDir),
		providers:     make(map[string]*domain.Provider),
	}, nil
}

// PricingVersion returns the active pricing version. Constant for the
// process lifetime.
func (r *Registry) PricingVersion() string {
	return r.meta.PricingVersion
}

// Currency returns the registry currency code.
func (r *Registry) Currency() string {
	return r.meta.Currency
}

// Meta returns the parsed registry metadata.
func (r *Registry) Meta() domain.RegistryMeta {
	return r.meta
}

// ListProviders returns the discovered provider ids, sorted.
func (r *Registry) ListProviders() []string {
	ids := make([]string, 0, len(r.providerFiles))
	for id := range r.providerFiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetProvider resolves the provider alias chain, then loads and caches the
// canonical provider file. Unknown providers return an error wrapping
// domain.ErrNotFound.
func (r *Registry) GetProvider(_ context.Context, provider string) (*domain.Provider, error) {
	canonical := r.ResolveProvider(provider)

	r.mu.RLock()
	cached, ok := r.providers[canonical]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	path, ok := r.providerFiles[canonical]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, domain.ErrNotFound)
	}

	loaded, err := loadProvider(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have raced the parse; both read the same
	// immutable file, so first write wins and stays consistent.
	if cached, ok := r.providers[canonical]; ok {
		return cached, nil
	}
	r.providers[canonical] = loaded
	return loaded, nil
}

// ResolveProvider follows the provider-alias mapping transitively. A cycle
// in malformed alias data falls back to the original input unresolved.
func (r *Registry) ResolveProvider(provider string) string {
	aliases := r.providerAliasMap()
	resolved := provider
	visited := make(map[string]struct{})

	for {
		if _, seen := visited[resolved]; seen {
			return provider
		}
		visited[resolved] = struct{}{}

		next, ok := aliases[resolved]
		if !ok {
			return resolved
		}
		resolved = next
	}
}

// ResolveModel resolves a model alias within a provider namespace,
// returning the input unchanged when no alias entry exists.
func (r *Registry) ResolveModel(_ context.Context, provider, model string) string {
	canonical := r.ResolveProvider(provider)
	if alias, ok := r.modelAliasMap()[canonical][model]; ok {
		return alias
	}
	return model
}

// GetModel looks up a model by provider and model id or alias.
func (r *Registry) GetModel(ctx context.Context, provider, model string) (*domain.Model, error) {
	providerData, err := r.GetProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	resolved := r.ResolveModel(ctx, provider, model)
	entry, ok := providerData.Models[resolved]
	if !ok {
		return nil, fmt.Errorf("model %q: %w", model, domain.ErrNotFound)
	}
	return &entry, nil
}

// ListModels returns a provider's models sorted by model id.
func (r *Registry) ListModels(ctx context.Context, provider string) ([]domain.Model, error) {
	providerData, err := r.GetProvider(ctx, provider)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(providerData.Models))
	for id := range providerData.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	models := make([]domain.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, providerData.Models[id])
	}
	return models, nil
}

// SerializeRatecard renders a ratecard for external presentation: one
// kind-tagged raw rate string per dimension.
func (r *Registry) SerializeRatecard(rc domain.Ratecard) map[string]map[string]string {
	serialized := make(map[string]map[string]string, len(rc))
	for dimension, rate := range rc {
		serialized[dimension] = map[string]string{string(rate.Kind): rate.Raw}
	}
	return serialized
}

func (r *Registry) providerAliasMap() map[string]string {
	r.providerAliasOnce.Do(func() {
		r.providerAliases = loadProviderAliases(r.aliasesPath)
	})
	return r.providerAliases
}

func (r *Registry) modelAliasMap() map[string]map[string]string {
	r.modelAliasOnce.Do(func() {
		r.modelAliases = loadModelAliases(r.aliasesPath)
	})
	return r.modelAliases
}

// ---------------------------------------------------------------------
// File loading
// ---------------------------------------------------------------------

type metaDoc struct {
	PricingVersion *string `json:"pricing_version"`
	PublishedAt    *string `json:"published_at"`
	Currency       *string `json:"currency"`
	SchemaVersion  *int    `json:"schema_version"`
}

type providerDoc struct {
	Provider *string        `json:"provider"`
	Models   []modelDoc     `json:"models"`
	Source   map[string]any `json:"source"`
}

type modelDoc struct {
	Model         *string        `json:"model"`
	EffectiveFrom *string        `json:"effective_from"`
	Billable      rateMapDoc     `json:"billable"`
	Capabilities  []string       `json:"capabilities"`
	Metadata      map[string]any `json:"metadata"`
	PricingTiers  []tierDoc      `json:"pricing_tiers"`
}

type tierDoc struct {
	Condition *tierConditionDoc `json:"condition"`
	Billable  rateMapDoc        `json:"billable"`
}

type tierConditionDoc struct {
	Dimension   *string `json:"dimension"`
	GreaterThan *int64  `json:"gt"`
}

// rateMapDoc keeps rate values as json.Number so the exact input string
// survives into Rate.Raw.
type rateMapDoc map[string]map[string]json.Number

func schemaError(filename, path, message string) error {
	if path != "" {
		return fmt.Errorf("schema validation failed for %s at '%s': %s", filename, path, message)
	}
	return fmt.Errorf("schema validation failed for %s: %s", filename, message)
}

func loadMeta(path string) (domain.RegistryMeta, error) {
	filename := filepath.Base(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.RegistryMeta{}, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var doc metaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.RegistryMeta{}, schemaError(filename, "", err.Error())
	}

	switch {
	case doc.PricingVersion == nil || *doc.PricingVersion == "":
		return domain.RegistryMeta{}, schemaError(filename, "pricing_version", "is required")
	case doc.PublishedAt == nil || *doc.PublishedAt == "":
		return domain.RegistryMeta{}, schemaError(filename, "published_at", "is required")
	case doc.Currency == nil || *doc.Currency == "":
		return domain.RegistryMeta{}, schemaError(filename, "currency", "is required")
	case doc.SchemaVersion == nil:
		return domain.RegistryMeta{}, schemaError(filename, "schema_version", "is required")
	}

	return domain.RegistryMeta{
		PricingVersion: *doc.PricingVersion,
		PublishedAt:    *doc.PublishedAt,
		Currency:       *doc.Currency,
		SchemaVersion:  *doc.SchemaVersion,
	}, nil
}

// discoverProviders indexes provider files by filename without reading
// their contents.
func discoverProviders(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan providers directory: %w", err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		files[strings.TrimSuffix(name, ".json")] = filepath.Join(dir, name)
	}
	return files, nil
}

func loadProvider(path string) (*domain.Provider, error) {
	filename := filepath.Base(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var doc providerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schemaError(filename, "", err.Error())
	}
	if doc.Provider == nil || *doc.Provider == "" {
		return nil, schemaError(filename, "provider", "is required")
	}
	if doc.Models == nil {
		return nil, schemaError(filename, "models", "is required")
	}

	models := make(map[string]domain.Model, len(doc.Models))
	for i, rawModel := range doc.Models {
		model, err := parseModel(rawModel, filename, i)
		if err != nil {
			return nil, err
		}
		if _, exists := models[model.ID]; exists {
			return nil, fmt.Errorf("duplicate model %q in %s", model.ID, filename)
		}
		models[model.ID] = model
	}

	return &domain.Provider{
		ID:     *doc.Provider,
		Models: models,
		Source: doc.Source,
	}, nil
}

func parseModel(doc modelDoc, filename string, index int) (domain.Model, error) {
	fieldPath := func(field string) string {
		return fmt.Sprintf("models.%d.%s", index, field)
	}

	if doc.Model == nil || *doc.Model == "" {
		return domain.Model{}, schemaError(filename, fieldPath("model"), "is required")
	}
	if doc.EffectiveFrom == nil || *doc.EffectiveFrom == "" {
		return domain.Model{}, schemaError(filename, fieldPath("effective_from"), "is required")
	}
	if doc.Billable == nil {
		return domain.Model{}, schemaError(filename, fieldPath("billable"), "is required")
	}

	billable, err := parseRateMap(doc.Billable, filename, fieldPath("billable"))
	if err != nil {
		return domain.Model{}, err
	}

	tiers := make([]domain.PricingTier, 0, len(doc.PricingTiers))
	for j, rawTier := range doc.PricingTiers {
		tierPath := fieldPath(fmt.Sprintf("pricing_tiers.%d", j))
		if rawTier.Condition == nil || rawTier.Condition.Dimension == nil || rawTier.Condition.GreaterThan == nil {
			return domain.Model{}, schemaError(filename, tierPath+".condition", "must define dimension and gt")
		}
		tierBillable, err := parseRateMap(rawTier.Billable, filename, tierPath+".billable")
		if err != nil {
			return domain.Model{}, err
		}
		tiers = append(tiers, domain.PricingTier{
			Condition: domain.TierCondition{
				Dimension:   *rawTier.Condition.Dimension,
				GreaterThan: *rawTier.Condition.GreaterThan,
			},
			Billable: tierBillable,
		})
	}

	return domain.Model{
		ID:            *doc.Model,
		EffectiveFrom: *doc.EffectiveFrom,
		Billable:      billable,
		PricingTiers:  tiers,
		Capabilities:  doc.Capabilities,
		Metadata:      doc.Metadata,
	}, nil
}

// parseRateMap reads per_1m before per_unit and keeps the numeric string
// verbatim as the rate's raw form.
func parseRateMap(doc rateMapDoc, filename, path string) (domain.Ratecard, error) {
	billable := make(domain.Ratecard, len(doc))
	for dimension, rawRate := range doc {
		kind := domain.RatePerMillion
		number, ok := rawRate["per_1m"]
		if !ok {
			kind = domain.RatePerUnit
			number, ok = rawRate["per_unit"]
		}
		if !ok {
			return nil, schemaError(filename, path+"."+dimension, "must define per_1m or per_unit")
		}

		value, err := decimal.NewFromString(number.String())
		if err != nil {
			return nil, schemaError(filename, path+"."+dimension, "is not a valid decimal")
		}
		if value.IsNegative() {
			return nil, schemaError(filename, path+"."+dimension, "must be >= 0")
		}

		billable[dimension] = domain.Rate{
			Kind:  kind,
			Value: value,
			Raw:   number.String(),
		}
	}
	return billable, nil
}

type aliasDoc struct {
	Provider        *string           `json:"provider"`
	Aliases         map[string]string `json:"aliases"`
	ProviderAliases map[string]string `json:"provider_aliases"`
}

// readAliasDocs parses every alias file it can; malformed documents are
// skipped rather than failing lookups.
func readAliasDocs(dir string) []aliasDoc {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	docs := make([]aliasDoc, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var doc aliasDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func loadModelAliases(dir string) map[string]map[string]string {
	aliases := make(map[string]map[string]string)
	for _, doc := range readAliasDocs(dir) {
		if doc.Provider == nil || doc.Aliases == nil {
			continue
		}
		providerAliases := make(map[string]string, len(doc.Aliases))
		for alias, canonical := range doc.Aliases {
			providerAliases[alias] = canonical
		}
		aliases[*doc.Provider] = providerAliases
	}
	return aliases
}

func loadProviderAliases(dir string) map[string]string {
	aliases := make(map[string]string)
	for _, doc := range readAliasDocs(dir) {
		for alias, canonical := range doc.ProviderAliases {
			aliases[alias] = canonical
		}
	}
	return aliases
}
