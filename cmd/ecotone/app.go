package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ecotone/internal/audit"
	"github.com/fyrsmithlabs/ecotone/internal/config"
	"github.com/fyrsmithlabs/ecotone/internal/divergence"
	"github.com/fyrsmithlabs/ecotone/internal/embeddings"
	"github.com/fyrsmithlabs/ecotone/internal/gate"
	"github.com/fyrsmithlabs/ecotone/internal/invariant"
	"github.com/fyrsmithlabs/ecotone/internal/llm"
	"github.com/fyrsmithlabs/ecotone/internal/logging"
	"github.com/fyrsmithlabs/ecotone/internal/patterns"
	"github.com/fyrsmithlabs/ecotone/internal/secrets"
	"github.com/fyrsmithlabs/ecotone/internal/telemetry"
	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// app holds the wired services for one command invocation.
type app struct {
	cfg *config.Config
	log *logging.Logger
	zap *zap.Logger
	tel *telemetry.Telemetry

	embedder embeddings.Provider
	storeA   vectorstore.Store
	storeB   vectorstore.Store
	nc       *nats.Conn
	sink     audit.Sink
	caller   llm.Caller
	journal  *audit.Journal
	engine   *divergence.Engine
	epitaphs *invariant.Store
	redactor *secrets.Redactor

	closers []func() error
}

// newApp loads config and starts logging and telemetry. Memory services are
// opened separately by openMemory.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	level := cfg.Observability.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if logCfg.Level, err = logging.LevelFromString(level); err != nil {
		return nil, err
	}
	logCfg.Format = cfg.Observability.LogFormat
	logCfg.Fields = map[string]string{"service": cfg.Observability.ServiceName}

	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &app{cfg: cfg, log: logger, zap: logger.Underlying()}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability), a.zap)
	if err != nil {
		a.zap.Warn("telemetry unavailable", zap.Error(err))
	} else {
		a.tel = tel
	}
	return a, nil
}

// openMemory opens the embedder, both stores, the audit sink, the utility
// model, the divergence engine and the epitaph store.
func (a *app) openMemory(ctx context.Context) error {
	cfg := a.cfg

	embedder, err := embeddings.NewProvider(cfg.Embeddings, a.zap)
	if err != nil {
		return fmt.Errorf("creating embeddings provider: %w", err)
	}
	a.embedder = embedder
	a.closers = append(a.closers, embedder.Close)

	if a.storeA, err = vectorstore.New(cfg.StoreA, a.zap.Named("store_a")); err != nil {
		return fmt.Errorf("opening store A: %w", err)
	}
	a.closers = append(a.closers, a.storeA.Close)

	if a.storeB, err = vectorstore.New(cfg.StoreB, a.zap.Named("store_b")); err != nil {
		return fmt.Errorf("opening store B: %w", err)
	}
	a.closers = append(a.closers, a.storeB.Close)

	a.sink = a.openSink()

	if caller, err := llm.NewOpenAICaller(cfg.LLM, a.zap.Named("llm")); err != nil {
		a.zap.Warn("utility model unavailable; gate audits pass and extraction is skipped", zap.Error(err))
	} else {
		a.caller = caller
	}

	a.journal = audit.NewJournal(config.ExpandPath(cfg.Gate.JournalDir))

	scanner := patterns.NewCache(config.ExpandPath(cfg.Patterns.Dir), a.zap.Named("patterns"))
	a.engine = divergence.NewEngine(embedder, a.storeA, a.storeB, scanner, cfg.Divergence, a.zap.Named("divergence"))

	dim := cfg.StoreB.VectorSize
	if d := embedder.Dimension(); d > 0 {
		dim = d
	}
	a.epitaphs = invariant.NewStore(a.storeB, a.sink, cfg.Invariant, dim, a.zap.Named("invariant"))

	if a.redactor, err = secrets.New(cfg.Secrets, a.zap.Named("secrets")); err != nil {
		return fmt.Errorf("loading secret rules: %w", err)
	}
	return nil
}

func (a *app) openSink() audit.Sink {
	var sinks audit.MultiSink
	if a.cfg.Audit.Enabled {
		sinks = append(sinks, audit.NewFileSink(config.ExpandPath(a.cfg.Audit.Dir), a.zap))
	}
	if a.cfg.NATS.Enabled && a.cfg.Audit.Subject != "" {
		nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("ecotone"))
		if err != nil {
			a.zap.Warn("nats unavailable; events stay local", zap.String("url", a.cfg.NATS.URL), zap.Error(err))
		} else {
			a.nc = nc
			sinks = append(sinks, audit.NewNATSSink(nc, a.cfg.Audit.Subject, a.zap))
		}
	}
	if len(sinks) == 0 {
		return audit.NopSink{}
	}
	return sinks
}

// recorder builds the background epitaph recorder with journal sync.
func (a *app) recorder() *invariant.Recorder {
	extractor := invariant.NewExtractor(a.caller, a.embedder, a.epitaphs, a.zap.Named("extractor"))
	syncer := invariant.NewJournalSyncer(a.caller, a.embedder, a.epitaphs,
		config.ExpandPath(a.cfg.Invariant.SyncStatePath), a.zap.Named("sync"))
	return invariant.NewRecorder(extractor, a.epitaphs, syncer, a.cfg.Invariant, a.zap.Named("recorder"))
}

// gate builds the integrity gate wired to rec.
func (a *app) gate(rec gate.Recorder) *gate.Gate {
	opts := []gate.Option{
		gate.WithDecayer(a.epitaphs),
		gate.WithRecorder(rec),
		gate.WithJournal(a.journal),
		gate.WithSink(a.sink),
		gate.WithLogger(a.zap.Named("gate")),
	}
	if a.redactor != nil {
		opts = append(opts, gate.WithRedactor(a.redactor))
	}
	return gate.New(a.caller, a.cfg.Gate, opts...)
}

// Close releases everything in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}
