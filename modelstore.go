// Package modelstore turns a declarative catalog of downloadable model
// artifacts into a durable, queryable, resumable installation state
// machine. One lifecycle manager is instantiated per artifact family; the
// families share a download primitive, its concurrency cap, and a metrics
// collector.
package modelstore

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/noteflow-ai/modelstore/catalog"
	"github.com/noteflow-ai/modelstore/config"
	"github.com/noteflow-ai/modelstore/internal/metrics"
	"github.com/noteflow-ai/modelstore/manager"
	"github.com/noteflow-ai/modelstore/netpolicy"
	"github.com/noteflow-ai/modelstore/store"
	"github.com/noteflow-ai/modelstore/transfer"
	"github.com/noteflow-ai/modelstore/types"
)

// Store owns one lifecycle manager per artifact family.
type Store struct {
	catalog  *catalog.Catalog
	managers map[types.Family]*manager.Manager
	logger   *zap.Logger
}

// Option customizes Open.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	classifier netpolicy.Classifier
}

// WithRegisterer sets the prometheus registerer for store metrics. The
// default registerer is used otherwise.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClassifier replaces the HTTP-probe network classifier, mainly for
// tests and for hosts that know their link state.
func WithClassifier(c netpolicy.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// Open builds the store from configuration and initializes every family:
// storage directories are created, durable records loaded and reconciled
// against the filesystem. A nil logger is replaced with a nop logger.
func Open(cfg config.Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cat := catalog.Builtin()
	if cfg.Storage.CatalogOverlay != "" {
		merged, err := cat.LoadOverlay(cfg.Storage.CatalogOverlay)
		if err != nil {
			return nil, fmt.Errorf("load catalog overlay: %w", err)
		}
		cat = merged
	}

	classifier := o.classifier
	if classifier == nil {
		classifier = netpolicy.NewProbeClassifier(
			cfg.Network.ProbeURL,
			netpolicy.Hint(cfg.Network.Hint),
			cfg.Network.ProbeTimeout,
			logger,
		)
	}
	policy := netpolicy.Policy{MeteredThresholdMB: cfg.Network.MeteredThresholdMB}

	downloader := transfer.NewDownloader(transfer.Config{
		MaxConcurrent:    cfg.Transfer.MaxConcurrent,
		ProgressInterval: cfg.Transfer.ProgressInterval,
		HTTPTimeout:      cfg.Transfer.HTTPTimeout,
	}, logger)

	collector := metrics.NewCollector(o.registerer)

	s := &Store{
		catalog:  cat,
		managers: make(map[types.Family]*manager.Manager, len(types.Families())),
		logger:   logger.With(zap.String("component", "modelstore")),
	}
	for _, family := range types.Families() {
		familyStore, err := store.NewFamilyStore(cfg.Storage.Root, family, logger)
		if err != nil {
			return nil, fmt.Errorf("open %s family store: %w", family, err)
		}
		mgr := manager.New(manager.Options{
			Family:     family,
			Catalog:    cat,
			Store:      familyStore,
			Downloader: downloader,
			Classifier: classifier,
			Policy:     policy,
			Collector:  collector,
			Logger:     logger,
		})
		if err := mgr.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize %s family: %w", family, err)
		}
		s.managers[family] = mgr
	}
	return s, nil
}

// Catalog returns the effective artifact catalog, overlay included.
func (s *Store) Catalog() *catalog.Catalog {
	return s.catalog
}

// Family returns the lifecycle manager of one family. Unknown families
// are a programming error.
func (s *Store) Family(f types.Family) *manager.Manager {
	mgr, ok := s.managers[f]
	if !ok {
		panic(fmt.Sprintf("modelstore: unknown family %q", f))
	}
	return mgr
}

// FamilyOf returns the manager owning key, resolved through the catalog.
// Unknown keys are a programming error.
func (s *Store) FamilyOf(key string) *manager.Manager {
	return s.Family(s.catalog.MustGet(key).Family)
}

// GetCurrentArtifactPath returns the installed path of the family's
// current selection. Consumers (inference engines) load the path
// themselves and are never told about in-progress downloads.
func (s *Store) GetCurrentArtifactPath(f types.Family) (string, bool) {
	return s.Family(f).CurrentArtifactPath()
}

// Close pauses in-flight transfers and releases observers on every
// family.
func (s *Store) Close() {
	for _, mgr := range s.managers {
		mgr.Close()
	}
}
