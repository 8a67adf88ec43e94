package main

import (
	"log"

	"go.uber.org/dig"

	"github.com/davidbz/tariff/internal/config"
	"github.com/davidbz/tariff/internal/domain"
	"github.com/davidbz/tariff/internal/httpserver"
	"github.com/davidbz/tariff/internal/observability"
	"github.com/davidbz/tariff/internal/pricing"
)

func main() {
	container := buildContainer()

	err := container.Invoke(func(server *httpserver.Server) {
		if err := server.Start(); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}

	// Pricing Registry (fatal on registry metadata violations)
	if err := container.Provide(func(cfg *config.RegistryConfig) (*pricing.Registry, error) {
		return pricing.New(cfg.Dir)
	}); err != nil {
		log.Fatalf("Failed to provide pricing registry: %v", err)
	}

	// Billing Engine
	if err := container.Provide(func(registry *pricing.Registry, cfg *config.EngineConfig) *domain.Engine {
		return domain.NewEngine(registry, cfg.Version)
	}); err != nil {
		log.Fatalf("Failed to provide billing engine: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(httpserver.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(httpserver.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}
