// Package app assembles the stores, the event bus and the runtime from
// configuration.
package app

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/OnslaughtSnail/parley/internal/config"
	"github.com/OnslaughtSnail/parley/internal/eventbus"
	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/OnslaughtSnail/parley/kernel/session/filestore"
	"github.com/OnslaughtSnail/parley/kernel/session/inmemory"
	"github.com/OnslaughtSnail/parley/kernel/session/redisstore"
	"github.com/OnslaughtSnail/parley/kernel/session/sqlstore"
)

// App owns every long-lived component of one parley process.
type App struct {
	Config  *config.Config
	Runtime *runtime.Runtime
	Bus     *eventbus.Bus

	catalog session.Catalog
	busSink *event.Buffered
	closers []func() error
	logger  zerolog.Logger
}

// Option adjusts the runtime configuration before it is built.
type Option func(*runtime.Config)

// WithLLMFactory replaces the completion client factory.
func WithLLMFactory(fn func(model.Endpoint) (model.LLM, error)) Option {
	return func(c *runtime.Config) { c.NewLLM = fn }
}

// New opens the stores named by cfg, starts the event bus and seeds the
// configured sources. Close releases everything.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	a = &App{Config: cfg, logger: logger.With().Str("component", "app").Logger()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	memory := inmemory.New()
	catalog, err := openCatalog(cfg.Catalog, cfg.DataDir, memory)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog
	a.closers = append(a.closers, catalog.Close)

	transcripts, closeTranscripts, err := openTranscripts(ctx, cfg.Transcripts, memory)
	if err != nil {
		return nil, err
	}
	if closeTranscripts != nil {
		a.closers = append(a.closers, closeTranscripts)
	}

	bus, err := eventbus.New(eventbus.Settings{
		Backend:  cfg.Events.Backend,
		Addr:     cfg.Events.Redis.Addr,
		Group:    cfg.Events.Redis.Group,
		Consumer: cfg.Events.Redis.Consumer,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Bus = bus
	a.closers = append(a.closers, bus.Close)
	// The bus may block on slow followers; keep it off the request path.
	a.busSink = event.NewBuffered(bus.Sink(), cfg.Engine.SinkBuffer)

	policy, err := runtime.ParseCommitPolicy(cfg.Engine.CommitPolicy)
	if err != nil {
		return nil, err
	}
	rtCfg := runtime.Config{
		Catalog:        catalog,
		Transcripts:    transcripts,
		Events:         a.busSink,
		CommitPolicy:   policy,
		RequestTimeout: cfg.Engine.RequestTimeout,
		SinkBuffer:     cfg.Engine.SinkBuffer,
		Logger:         &logger,
	}
	for _, opt := range opts {
		opt(&rtCfg)
	}
	rt, err := runtime.New(rtCfg)
	if err != nil {
		return nil, err
	}
	a.Runtime = rt

	if err := a.seedSources(ctx); err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("catalog", cfg.Catalog.Driver).
		Str("transcripts", cfg.Transcripts.Backend).
		Str("events", bus.Backend()).
		Str("commit_policy", string(policy)).
		Msg("parley ready")
	return a, nil
}

func openCatalog(cfg config.CatalogConfig, dataDir string, memory *inmemory.Store) (session.Catalog, error) {
	switch cfg.Driver {
	case "memory":
		return memory, nil
	case sqlstore.DriverModernc, sqlstore.DriverMattn:
		if dataDir != "" {
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, errors.Wrap(err, "app: create data dir")
			}
		}
		store, err := sqlstore.Open(cfg.Driver, cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Errorf("app: unknown catalog driver %q", cfg.Driver)
	}
}

func openTranscripts(ctx context.Context, cfg config.TranscriptsConfig, memory *inmemory.Store) (session.TranscriptStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memory, nil, nil
	case "file":
		store, err := filestore.NewWithOptions(cfg.Dir, filestore.Options{Layout: filestore.Layout(cfg.Layout)})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "redis":
		store, err := redisstore.Dial(ctx, cfg.Redis.Addr, redisstore.Options{Prefix: cfg.Redis.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, errors.Errorf("app: unknown transcripts backend %q", cfg.Backend)
	}
}

// seedSources stores every configured source. A source that names a model
// gets that model recorded unless models were already synced for it.
func (a *App) seedSources(ctx context.Context) error {
	for _, sc := range a.Config.Sources {
		src, err := a.Runtime.PutSource(ctx, session.Source{
			ID:      sc.ID,
			Name:    sc.Name,
			API:     sc.API,
			BaseURL: sc.BaseURL,
			APIKey:  sc.ResolvedAPIKey(),
			Enabled: true,
		})
		if err != nil {
			return errors.Wrapf(err, "app: seed source %s", sc.ID)
		}
		modelName := strings.TrimSpace(sc.Model)
		if modelName == "" {
			continue
		}
		existing, err := a.catalog.ListModels(ctx, src.ID)
		if err != nil {
			return errors.Wrapf(err, "app: list models of %s", src.ID)
		}
		if len(existing) > 0 {
			continue
		}
		if err := a.catalog.ReplaceModels(ctx, src.ID, []session.ModelRecord{{SourceID: src.ID, Name: modelName, Enabled: true}}); err != nil {
			return errors.Wrapf(err, "app: seed model of %s", src.ID)
		}
	}
	return nil
}

// Endpoint resolves sourceID and modelName, falling back to the configured
// defaults when either is empty.
func (a *App) Endpoint(ctx context.Context, sourceID, modelName string) (model.Endpoint, error) {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		sourceID = strings.TrimSpace(a.Config.Defaults.Source)
		if strings.TrimSpace(modelName) == "" {
			modelName = a.Config.Defaults.Model
		}
	}
	if sourceID == "" {
		sources, err := a.Runtime.ListSources(ctx)
		if err != nil {
			return model.Endpoint{}, err
		}
		for _, src := range sources {
			if src.Enabled {
				sourceID = src.ID
				break
			}
		}
	}
	if sourceID == "" {
		return model.Endpoint{}, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "app: no source configured")
	}
	return a.Runtime.ResolveEndpoint(ctx, sourceID, modelName)
}

// Close flushes pending bus events and closes the stores in reverse order.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.busSink != nil {
		_ = a.busSink.Close()
		a.busSink = nil
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
