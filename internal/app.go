package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/0xRichardL/pool-relay/internal/config"
	"github.com/0xRichardL/pool-relay/internal/diff"
	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/0xRichardL/pool-relay/internal/kafka"
	"github.com/0xRichardL/pool-relay/internal/matrix"
	"github.com/0xRichardL/pool-relay/internal/notifier"
	"github.com/0xRichardL/pool-relay/internal/pool"
	"github.com/0xRichardL/pool-relay/internal/queue"
	"github.com/0xRichardL/pool-relay/internal/rest"
	"github.com/0xRichardL/pool-relay/internal/scheduler"
	"github.com/0xRichardL/pool-relay/internal/store"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	connectAttempts = 5
	connectDelay    = 2 * time.Second
)

// App centralizes dependency wiring for the relay.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	backend      store.Backend
	accountStore *store.RedisStore
	queue        *queue.Queue[domain.Event]
	publisher    *kafka.EventPublisher
	chat         *matrix.Client
	notifier     *notifier.Notifier
	scheduler    *scheduler.Scheduler

	httpServer *http.Server
}

// NewApp opens the stores and the event queue and builds every component.
// Errors here are startup failures: nothing has been polled or sent yet.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.cleanup()
		}
	}()

	a.backend, a.accountStore, err = openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	accounts := cfg.Accounts
	if a.accountStore != nil {
		extra, err := a.accountStore.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("load accounts from redis: %w", err)
		}
		var skipped []string
		accounts, skipped = mergeAccounts(cfg.Accounts, extra)
		if len(skipped) > 0 {
			logger.Warn("redis accounts shadowed by config", zap.Strings("accounts", skipped))
		}
	}
	if len(accounts) == 0 {
		return nil, config.ErrNoAccounts
	}
	if err := config.ValidateAccounts(accounts, cfg.Matrix.Rooms); err != nil {
		return nil, err
	}

	a.queue, err = queue.Open[domain.Event](cfg.Queue.Capacity, cfg.Queue.BacklogPath)
	if err != nil {
		return nil, err
	}
	if n := a.queue.Len(); n > 0 {
		logger.Info("loaded undelivered events", zap.Int("events", n))
	}

	poolClient, err := pool.NewClient(pool.Config{
		BaseURL:  cfg.Pool.BaseURL,
		Coin:     cfg.Pool.Coin,
		AuthMode: cfg.Pool.AuthMode,
		Timeout:  cfg.Pool.Timeout,
		ProxyURL: cfg.Pool.Proxy,
	}, logger.Named("pool"))
	if err != nil {
		return nil, err
	}

	a.chat, err = matrix.NewClient(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		User:        cfg.Matrix.User,
		Password:    cfg.Matrix.Password,
		DisplayName: cfg.Matrix.DisplayName,
		DeviceName:  cfg.Matrix.DeviceName,
	}, a.backend, logger.Named("matrix"))
	if err != nil {
		return nil, err
	}

	var opts []notifier.Option
	if cfg.Kafka.Enabled {
		a.publisher = kafka.NewEventPublisher(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		opts = append(opts, notifier.WithMirror(a.publisher))
	}
	a.notifier = notifier.New(notifier.Config{
		DefaultRooms: cfg.Matrix.Rooms,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		BaseDelay:    cfg.Delivery.BaseDelay,
		MaxDelay:     cfg.Delivery.MaxDelay,
	}, a.chat, accounts, logger.Named("notifier"), opts...)

	engine := diff.NewEngine(diff.Thresholds{
		FreshnessWindow:   cfg.Thresholds.FreshnessWindow,
		DropFraction:      cfg.Thresholds.DropFraction,
		DropConfirmations: cfg.Thresholds.DropConfirmations,
	})
	ids := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}
	a.scheduler = scheduler.New(scheduler.Config{
		Interval:     cfg.Poll.Interval,
		Jitter:       cfg.Poll.Jitter,
		FetchTimeout: cfg.Poll.FetchTimeout,
		GracePeriod:  cfg.Poll.GracePeriod,
	}, accounts, poolClient, engine, store.NewSnapshotStore(ids), a.backend, a.queue, logger.Named("scheduler"))

	return a, nil
}

// openStores opens the checkpoint backend and, when redis.accounts is set,
// the Redis account set. Both may be the same RedisStore.
func openStores(ctx context.Context, cfg config.Config) (store.Backend, *store.RedisStore, error) {
	var redisStore *store.RedisStore
	if cfg.Checkpoint.Backend == config.BackendRedis || cfg.Redis.Accounts {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis PING %s: %w", cfg.Redis.Addr, err)
		}
		redisStore = store.NewRedisStore(client, cfg.Redis.Prefix)
	}

	var accounts *store.RedisStore
	if cfg.Redis.Accounts {
		accounts = redisStore
	}

	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		return redisStore, accounts, nil
	case config.BackendBadger:
		backend, err := store.NewBadgerStore(cfg.Checkpoint.Dir)
		if err != nil {
			if redisStore != nil {
				_ = redisStore.Close()
			}
			return nil, nil, err
		}
		return backend, accounts, nil
	default:
		if redisStore != nil {
			_ = redisStore.Close()
		}
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Checkpoint.Backend)
	}
}

// mergeAccounts appends extra accounts whose id is not configured already.
// It returns the ids that were skipped.
func mergeAccounts(configured, extra []domain.Account) ([]domain.Account, []string) {
	merged := append([]domain.Account(nil), configured...)
	seen := make(map[string]struct{}, len(configured)+len(extra))
	for _, acc := range configured {
		seen[acc.ID] = struct{}{}
	}
	var skipped []string
	for _, acc := range extra {
		if _, ok := seen[acc.ID]; ok {
			skipped = append(skipped, acc.ID)
			continue
		}
		seen[acc.ID] = struct{}{}
		merged = append(merged, acc)
	}
	return merged, skipped
}

// Run logs in to the chat server, then polls and delivers until ctx is
// cancelled or a fatal error occurs. A cancelled ctx returns nil once the
// queue has drained or the grace period ran out.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	if err := a.scheduler.Restore(ctx); err != nil {
		return fmt.Errorf("restore checkpoints: %w", err)
	}
	if err := a.connectChat(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	// Delivery keeps running after ctx ends so the scheduler can drain the queue.
	deliverCtx, stopDelivery := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDelivery()
	delivered := make(chan error, 1)
	go func() {
		delivered <- a.notifier.Run(deliverCtx, a.queue)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil {
			return fmt.Errorf("run scheduler: %w", err)
		}
		return nil
	})

	if a.cfg.HTTP.Addr != "" {
		g.Go(func() error {
			return a.runHTTPServer(gctx)
		})
	}

	err := g.Wait()
	stopDelivery()
	if derr := <-delivered; derr != nil && !errors.Is(derr, context.Canceled) && !errors.Is(derr, queue.ErrClosed) {
		a.logger.Error("notifier stopped", zap.Error(derr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("shutdown complete", zap.Any("delivery", a.notifier.Stats()))
	return nil
}

func (a *App) connectChat(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := a.chat.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if domain.IsPermanent(err) || attempt == connectAttempts {
			return fmt.Errorf("chat login: %w", err)
		}
		a.logger.Warn("chat login failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * connectDelay):
		}
	}
}

func (a *App) runHTTPServer(ctx context.Context) error {
	r, srv := rest.NewServer(a.cfg.HTTP.Addr)
	a.httpServer = srv
	statusController := rest.NewStatusController(a.scheduler, a.notifier, a.queue)
	statusController.RegisterStatusRoutes(r.Group(""))
	if a.accountStore != nil {
		accountController := rest.NewAccountController(a.accountStore)
		accountController.RegisterAccountRoutes(r.Group(""))
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server started", zap.String("addr", srv.Addr))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	// App context shutdown:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		err := <-serverErr
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	// HTTP server error:
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

func (a *App) cleanup() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Error("error saving event backlog", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("error closing Kafka publisher", zap.Error(err))
		}
	}
	if a.accountStore != nil && store.Backend(a.accountStore) != a.backend {
		if err := a.accountStore.Close(); err != nil {
			a.logger.Error("error closing Redis client", zap.Error(err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Error("error closing checkpoint store", zap.Error(err))
		}
	}
}
