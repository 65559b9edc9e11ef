package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"token-economy/internal/alerting"
	"token-economy/internal/api"
	"token-economy/internal/cache"
	"token-economy/internal/config"
	"token-economy/internal/ledger"
	"token-economy/internal/logging"
	"token-economy/internal/metrics"
	"token-economy/internal/mining"
	"token-economy/internal/oracle"
	"token-economy/internal/provider"
	"token-economy/internal/risk"
	"token-economy/internal/scheduler"
	"token-economy/internal/service"
	"token-economy/internal/storage"
	"token-economy/internal/treasury"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// base is untagged; components add their own component field.
	base zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logging.Component(logger, "app"), base: logger}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New(cfg.Metrics.Namespace)
	}
	return a
}

// runtime holds everything built from config for one command.
type runtime struct {
	engine  *service.Engine
	store   *storage.Store
	cache   *cache.RedisPriceCache
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newProviders() (provider.Provider, provider.Provider) {
	cfg := a.Config.Providers
	primary := provider.NewDexScreener(provider.DexScreenerOptions{
		BaseURL:      cfg.DexScreener.BaseURL,
		TokenAddress: a.Config.Oracle.TokenAddress,
		ChainID:      cfg.DexScreener.Network,
		Timeout:      cfg.DexScreener.RequestTimeout,
	}, a.base)
	secondary := provider.NewGeckoTerminal(provider.GeckoTerminalOptions{
		BaseURL:      cfg.GeckoTerminal.BaseURL,
		Network:      cfg.GeckoTerminal.Network,
		TokenAddress: a.Config.Oracle.TokenAddress,
		Timeout:      cfg.GeckoTerminal.RequestTimeout,
	}, a.base)
	return primary, secondary
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	if !cfg.Enabled {
		a.Logger.Warn().Msg("alerting enabled but no channel configured")
		return nil
	}
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.base)
	return alerting.NewThrottled(telegram, a.Config.Alerting.Cooldown)
}

func (a *App) riskLimits() risk.Limits {
	cfg := a.Config.Risk
	return risk.Limits{
		ExtremeChangePct: decimal.NewFromFloat(cfg.ExtremeChangePct),
		HighChangePct:    decimal.NewFromFloat(cfg.HighChangePct),
		MediumChangePct:  decimal.NewFromFloat(cfg.MediumChangePct),
		HighMaxTokens:    decimal.NewFromFloat(cfg.HighMaxTokens),
		MediumMaxTokens:  decimal.NewFromFloat(cfg.MediumMaxTokens),
		DefaultMaxTokens: decimal.NewFromFloat(cfg.DefaultMaxTokens),
		MaxBonusUSD:      decimal.NewFromFloat(cfg.MaxBonusUSD),
	}
}

// build wires every component from config. PostgreSQL and Redis are optional;
// without them the engine runs on in-memory state.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory state")
	}
	rt.store = store

	primary, secondary := a.newProviders()
	oracleOpts := oracle.Options{
		Primary:            primary,
		Secondary:          secondary,
		Metrics:            a.Metrics,
		CacheTTL:           a.Config.Oracle.CacheTTL,
		MaxPriceAge:        a.Config.Oracle.MaxPriceAge,
		Alpha:              decimal.NewFromFloat(a.Config.Oracle.EMAAlpha),
		EmergencyPriceUSD:  decimal.NewFromFloat(a.Config.Oracle.EmergencyPriceUSD),
		HistoryWindow:      a.Config.Oracle.HistoryWindow,
		VolatilityLookback: a.Config.Oracle.VolatilityLookback,
		VolatileChangePct:  decimal.NewFromFloat(a.Config.Oracle.VolatileChangePct),
	}
	if a.Config.Redis.Addr != "" {
		rt.cache = cache.NewRedisPriceCache(cache.Options{
			Addr:         a.Config.Redis.Addr,
			Password:     a.Config.Redis.Password,
			DB:           a.Config.Redis.DB,
			TokenAddress: a.Config.Oracle.TokenAddress,
			KeyTTL:       a.Config.Redis.KeyTTL,
		}, a.base)
		oracleOpts.Cache = rt.cache
		rt.closers = append(rt.closers, func() { _ = rt.cache.Close() })
	}
	if store != nil {
		oracleOpts.Recorder = store
	}
	priceOracle := oracle.New(oracleOpts, a.base)
	if store != nil {
		a.seedHistory(ctx, store, priceOracle)
	}

	assessor := risk.NewAssessor(risk.Options{
		Volatility: priceOracle,
		Smoothed:   priceOracle,
		Limits:     a.riskLimits(),
		Metrics:    a.Metrics,
	}, a.base)

	miningOpts := mining.Options{
		Schedule: mining.Schedule{
			DailyTokens: decimal.NewFromFloat(a.Config.Mining.DailyTokens),
			Window:      a.Config.Mining.Window,
		},
		Metrics: a.Metrics,
	}
	if store != nil {
		miningOpts.Store = store
		miningOpts.Boosts = store
	}
	miner := mining.NewEngine(miningOpts, a.base)

	var treasurySvc *treasury.Service
	if a.Config.TreasuryEnabled() {
		eth := a.Config.Ethereum
		reader := ledger.NewReader(ledger.Options{
			RPCURL:          eth.RPCURL,
			TokenAddress:    eth.TokenAddress,
			TreasuryAddress: eth.TreasuryAddress,
			Timeout:         eth.RequestTimeout,
			LookbackBlocks:  eth.LookbackBlocks,
			ChunkBlocks:     eth.LogChunkBlocks,
		}, a.base)
		rt.closers = append(rt.closers, reader.Close)

		treasuryOpts := treasury.Options{Ledger: reader, Metrics: a.Metrics}
		if store != nil {
			treasuryOpts.Deposits = store
			treasuryOpts.Balances = store
		} else {
			a.Logger.Warn().Msg("no database; every on-chain deposit will be reported as unrecorded")
			treasuryOpts.Deposits = treasury.MemoryDeposits(nil)
		}
		treasurySvc = treasury.NewService(treasuryOpts, a.base)
	}

	engineOpts := service.Options{
		Oracle:   priceOracle,
		Risk:     assessor,
		Mining:   miner,
		Treasury: treasurySvc,
		Notifier: a.newNotifier(),
		LockKey:  a.Config.Scheduler.AdvisoryLockKey,
	}
	if store != nil {
		engineOpts.Locker = store
	}
	rt.engine = service.New(engineOpts, a.base)
	return rt, nil
}

// seedHistory reloads persisted price points so volatility has a reference
// point immediately after start. A failure leaves the oracle with an empty
// history.
func (a *App) seedHistory(ctx context.Context, store *storage.Store, o *oracle.Oracle) {
	to := time.Now().UTC()
	from := to.Add(-a.Config.Oracle.HistoryWindow)
	points, err := store.ListPricePointsBetween(ctx, from, to)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("failed to load price history; volatility starts without reference")
		return
	}
	kept := o.Seed(points)
	a.Logger.Info().Int("points", kept).Time("from", from).Msg("price history loaded")
}

// Run executes the long-running service: scheduled jobs plus the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(scheduler.Options{StartupDelay: a.Config.Scheduler.StartupDelay}, a.base)
	if err := rt.engine.RegisterJobs(sched, a.Config.Scheduler); err != nil {
		return err
	}

	checks := map[string]api.Pinger{}
	if rt.store != nil {
		checks["database"] = rt.store
	}
	if rt.cache != nil {
		checks["redis"] = rt.cache
	}
	apiOpts := api.Options{
		Addr:         a.Config.HTTP.Addr,
		APIKey:       a.Config.HTTP.APIKey,
		CORSOrigin:   a.Config.HTTP.CORSAllowOrigin,
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
		Checks:       checks,
	}
	if a.Metrics != nil {
		apiOpts.Metrics = a.Metrics.Handler()
	}
	server := api.NewServer(rt.engine, apiOpts, a.base)

	a.Logger.Info().Strs("jobs", sched.Jobs()).Msg("starting token economy service")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("token economy service stopped")
	return nil
}

// Do builds the engine, runs one operation and writes its result as JSON.
func (a *App) Do(ctx context.Context, out io.Writer, op func(ctx context.Context, e *service.Engine) (any, error)) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := op(ctx, rt.engine)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// Migrate applies the SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("files", applied).Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting the price history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	UserID string
}
