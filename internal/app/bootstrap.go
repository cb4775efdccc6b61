package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/parlance/backend/internal/auth"
	"github.com/parlance/backend/internal/config"
	"github.com/parlance/backend/internal/execution"
	"github.com/parlance/backend/internal/handlers"
	"github.com/parlance/backend/internal/idempotency"
	"github.com/parlance/backend/internal/intake"
	"github.com/parlance/backend/internal/ledger"
	"github.com/parlance/backend/internal/middleware"
	"github.com/parlance/backend/internal/notify"
	"github.com/parlance/backend/internal/queue"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/router"
	"github.com/parlance/backend/internal/tasks"
	"github.com/parlance/backend/internal/translation"
	"github.com/parlance/backend/internal/validation"
)

// Options selects which servers a binary runs.
type Options struct {
	HTTP    bool
	Workers bool
}

// Bootstrap connects every dependency named by cfg and wires the servers selected by
// opts. The returned cleanup closes connections in reverse order of opening.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, func(), error) {
	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	pool, err := repository.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fail(err)
	}
	cleanupFns = append(cleanupFns, pool.Close)
	logger.Info("connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := repository.RunMigrations(ctx, cfg.DatabaseURL, "up"); err != nil {
			return fail(err)
		}
		if err := repository.RunRiverMigrations(ctx, pool); err != nil {
			return fail(err)
		}
		logger.Info("migrations applied")
	}

	guard := idempotency.Guard(idempotency.Nop{})
	if cfg.RedisURL != "" {
		rdb, err := idempotency.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		guard = idempotency.NewRedisGuard(rdb, cfg.IdempotencyTTL)
	}

	notifier := notify.Notifier(notify.Nop{})
	nc, err := notify.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fail(err)
	}
	if nc != nil {
		cleanupFns = append(cleanupFns, func() { _ = nc.Drain() })
		notifier = notify.NewNATSNotifier(nc, cfg.NATSSubjectPrefix, logger)
	}

	// Storage and core services.
	balances := repository.NewBalanceRepo(pool)
	entries := repository.NewEntryRepo(pool)
	reservations := repository.NewReservationRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)

	led := ledger.New(balances, entries, reservations, logger)
	machine := tasks.NewMachine(taskRepo)
	settler := tasks.NewSettler(machine, led, logger)

	registry := translation.NewRegistryFromConfig(cfg.TranslationProvider, cfg.TranslationEndpoint, cfg.TranslationModel)
	translator, err := translation.NewService(registry, cfg.TranslationProvider, logger)
	if err != nil {
		return fail(err)
	}

	proc := execution.NewProcessor(pool, taskRepo, settler, translator, cfg.TranslateTimeout, logger)
	proc.Notifier = notifier
	reaper := execution.NewReaper(pool, taskRepo, taskRepo, settler, execution.Deadlines{
		Reserved:   cfg.ReservedDeadline,
		Queued:     cfg.QueuedDeadline,
		Processing: cfg.ProcessingDeadline,
	}, logger)
	reaper.Notifier = notifier

	// The dispatcher is bound to the river client after the client exists.
	dispatcher := queue.NewRiverDispatcher(cfg.QueueName, cfg.MaxAttempts)

	riverCfg := &river.Config{Logger: logger}
	if opts.Workers {
		workers := river.NewWorkers()
		river.AddWorker(workers, execution.NewTranslateWorker(proc))
		river.AddWorker(workers, execution.NewReapWorker(reaper))
		riverCfg.Workers = workers
		riverCfg.Queues = map[string]river.QueueConfig{
			dispatcher.Queue(): {MaxWorkers: cfg.WorkerConcurrency},
		}
		riverCfg.PeriodicJobs = []*river.PeriodicJob{
			execution.PeriodicReap(cfg.ReaperInterval, dispatcher.Queue()),
		}
	}
	riverClient, err := river.NewClient[pgx.Tx](riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return fail(fmt.Errorf("create river client: %w", err))
	}
	dispatcher.Bind(riverClient)

	var servers []Server
	if opts.Workers {
		servers = append(servers, NewRiverServer(riverClient))
	}

	if opts.HTTP {
		svc := intake.NewService(pool, taskRepo, led, machine, dispatcher, proc, intake.Config{
			Price:            cfg.TaskPrice,
			MaxTextLength:    cfg.MaxTextLength,
			TranslateTimeout: cfg.TranslateTimeout,
		}, logger)
		svc.Guard = guard
		svc.Notifier = notifier

		validator, err := validation.New()
		if err != nil {
			return fail(err)
		}
		users := auth.NewRepository(pool)
		authSvc := auth.NewService(users, cfg.JWTSecret, cfg.TokenTTL, cfg.AdminEmailList())

		api := router.New(router.Handlers{
			Auth:      auth.NewHandler(authSvc, validator, logger),
			Translate: &handlers.TranslateHandler{Intake: svc, Validator: validator, Logger: logger},
			Wallet: &handlers.WalletHandler{
				DB:        pool,
				Ledger:    led,
				Entries:   entries,
				Users:     users,
				Validator: validator,
				Logger:    logger,
			},
		}, router.Middleware{
			Authenticate: middleware.Authenticate(authSvc),
			SpendLimit:   middleware.SpendLimit(entries, cfg.DailySpendLimit, middleware.PerItemCost(cfg.TaskPrice)),
		})
		servers = append(servers, NewHTTPServer(cfg.HTTPAddr, withCORS(api, cfg.CORSAllowedOriginsList())))
	}

	return New(logger, servers...), runCleanup(cleanupFns), nil
}

func withCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(h)
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
