package core

import (
	"example.com/backstage/services/ingest/config"
	"example.com/backstage/services/ingest/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceConfig holds the dependencies for the domain services.
type ServiceConfig struct {
	DB       *gorm.DB
	Cache    Cache // optional
	Spool    *infrastructure.Spool
	Metrics  *infrastructure.Metrics
	Logger   *logrus.Logger
	Identity config.IdentityConfig
}

// ServiceRegistry holds all domain services
type ServiceRegistry struct {
	Store     DataStore
	RawLogs   *RawLogStore
	Extractor *TokenExtractor
	Resolver  *Resolver
	Pairing   *PairingService
	Ingestor  *Ingestor
}

// NewServiceRegistry wires the domain services around one database.
func NewServiceRegistry(cfg ServiceConfig) *ServiceRegistry {
	store := NewDataStore(cfg.DB)
	rawlogs := NewRawLogStore(cfg.DB)
	extractor := NewTokenExtractor(cfg.Identity, store, cfg.Logger)

	resolver := NewResolver(store, extractor, cfg.Cache, cfg.Identity, cfg.Metrics, cfg.Logger,
		NewGatewaySuggester(store, cfg.Identity.GatewayPath),
		NewTopicNamespaceSuggester(rawlogs, store, cfg.Identity.TopicNamespaceDepth, cfg.Identity.NamespaceScanLimit),
	)

	return &ServiceRegistry{
		Store:     store,
		RawLogs:   rawlogs,
		Extractor: extractor,
		Resolver:  resolver,
		Pairing:   NewPairingService(store, cfg.Logger),
		Ingestor:  NewIngestor(rawlogs, extractor, cfg.Spool, cfg.Metrics, cfg.Logger),
	}
}
