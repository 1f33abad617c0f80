package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cmdrelay/internal/config"
	"cmdrelay/internal/core"
	"cmdrelay/internal/modules"
	"cmdrelay/internal/storage"
	"cmdrelay/internal/storage/memory"
	"cmdrelay/internal/storage/redis"
	"cmdrelay/internal/storage/sqlite"
	"cmdrelay/internal/transports/common"
	"cmdrelay/internal/transports/console"
	"cmdrelay/internal/transports/web"
)

// App агрегирует зависимости ядра.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Store      storage.Store
	Dispatcher *core.Dispatcher
	Authorizer core.Authorizer
	Limiter    *common.RateLimiter
	Transports *core.TransportManager
}

// Option настраивает сборку приложения.
type Option func(*options)

type options struct {
	consoleIn  io.Reader
	consoleOut io.Writer
}

// WithConsoleIO подменяет stdin/stdout консольного транспорта.
func WithConsoleIO(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.consoleIn = in
		o.consoleOut = out
	}
}

// NewApp строит приложение: хранилище, реестр команд, диспетчер и транспорты.
func NewApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{consoleIn: os.Stdin, consoleOut: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	registry := core.NewRegistry()
	if err := modules.RegisterAll(registry); err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	dispatcher := core.NewDispatcher(registry, st,
		core.WithLogger(logger),
		core.WithTracker(core.NewTracker()),
	)
	authz := core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist)
	limiter := common.NewRateLimiter(cfg.Security.RateLimit, time.Duration(cfg.Security.RateWindowMS)*time.Millisecond)
	audit := storage.NewAuditWriter(st)
	newService := func(source string) *common.Service {
		return &common.Service{
			Source:      source,
			Dispatcher:  dispatcher,
			Authorizer:  authz,
			RateLimiter: limiter,
			AuditSink:   audit,
			Logger:      logger,
		}
	}

	transports := core.NewTransportManager()
	if cfg.Console.Enabled {
		adapter := console.NewAdapter(newService("console"), o.consoleIn, o.consoleOut, console.Options{
			Subject: cfg.Console.Subject,
			Timeout: time.Duration(cfg.Commands.TimeoutMS) * time.Millisecond,
		}, logger)
		if err := transports.Register(adapter); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register console transport: %w", err)
		}
	}
	if cfg.Web.Enabled {
		tokens := make([]web.TokenEntry, 0, len(cfg.Web.Auth.Tokens))
		for _, token := range cfg.Web.Auth.Tokens {
			tokens = append(tokens, web.TokenEntry{
				ID:          token.ID,
				TokenSHA256: token.TokenSHA256,
				Subject:     token.Subject,
				Enabled:     token.Enabled,
			})
		}

		webAdapter := web.NewAdapter(newService("web"), st, web.Config{
			ListenAddr:               cfg.Web.ListenAddr,
			ReadTimeout:              time.Duration(cfg.Web.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout:             time.Duration(cfg.Web.WriteTimeoutMS) * time.Millisecond,
			RequestTimeout:           time.Duration(cfg.Web.RequestTimeoutMS) * time.Millisecond,
			ShutdownTimeout:          time.Duration(cfg.Web.ShutdownTimeoutS) * time.Second,
			MaxRequestBody:           cfg.Web.MaxBodyBytes,
			AllowLegacySubjectHeader: cfg.Web.Auth.AllowLegacySubjectHeader,
			Tokens:                   tokens,
		}, logger)
		if err := transports.Register(webAdapter); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register web transport: %w", err)
		}
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Store:      st,
		Dispatcher: dispatcher,
		Authorizer: authz,
		Limiter:    limiter,
		Transports: transports,
	}, nil
}

// OpenStore открывает хранилище результатов по имени драйвера.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := redis.Open(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			AuditCap: cfg.Redis.AuditCap,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Close высвобождает ресурсы приложения.
func (a *App) Close() error {
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// Serve запускает транспорты и задачи обслуживания до отмены контекста.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	a.Logger.Info("relay started", "transports", a.Transports.Names(), "storage", a.Config.Storage.Driver)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Transports.StopAll(stopCtx); err != nil {
			a.Logger.Warn("stop transports", "err", err)
		}
	}()

	sched := core.NewScheduler(time.Duration(a.Config.Scheduler.IntervalSeconds)*time.Second, a.Logger)
	a.addJobs(sched)
	sched.Start(ctx)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (a *App) addJobs(sched *core.Scheduler) {
	sched.Add("prune_commands", func(context.Context) error {
		_, err := a.PruneCommands(time.Now())
		return err
	})
	sched.Add("purge_results", func(ctx context.Context) error {
		_, err := a.PurgeResults(ctx, time.Now())
		return err
	})
	sched.Add("prune_rate_limiter", func(context.Context) error {
		a.Limiter.Prune(time.Now())
		return nil
	})
}

// PruneCommands убирает из таблицы процесса завершенные команды старше
// commands.track_retention_minutes.
func (a *App) PruneCommands(now time.Time) (int, error) {
	retention := time.Duration(a.Config.Commands.TrackRetentionMinutes) * time.Minute
	if retention <= 0 {
		return 0, nil
	}
	removed := a.Dispatcher.Tracker().Prune(now.Add(-retention))
	if removed > 0 {
		a.Logger.Debug("pruned commands", "removed", removed)
	}
	return removed, nil
}

// PurgeResults удаляет записи результатов старше storage.retention_days.
func (a *App) PurgeResults(ctx context.Context, now time.Time) (int64, error) {
	days := a.Config.Storage.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	removed, err := a.Store.PurgeResults(runCtx, now.AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	if removed > 0 {
		a.Logger.Info("purged results", "removed", removed, "retention_days", days)
	}
	return removed, nil
}
