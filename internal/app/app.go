package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/bus"
	"github.com/vladislavdragonenkov/kds/internal/client"
	"github.com/vladislavdragonenkov/kds/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/kds/internal/health"
	"github.com/vladislavdragonenkov/kds/internal/lock"
	"github.com/vladislavdragonenkov/kds/internal/metrics"
	"github.com/vladislavdragonenkov/kds/internal/scheduler"
	"github.com/vladislavdragonenkov/kds/internal/settings"
	ordersync "github.com/vladislavdragonenkov/kds/internal/sync"
	"github.com/vladislavdragonenkov/kds/internal/transport"
	"github.com/vladislavdragonenkov/kds/internal/version"
)

// Config описывает настройки запуска терминала.
type Config struct {
	// VenueID — заведение, заказы которого синхронизирует терминал.
	VenueID string
	// EventStreamURL — точка подключения realtime-потока событий.
	EventStreamURL string
	// OrderAPIURL — базовый URL сервиса заказов.
	OrderAPIURL string
	// MetricsAddr — адрес HTTP-сервера метрик и health-проверок.
	MetricsAddr string
	// SettingsPath — путь к локальному файлу настроек терминала.
	SettingsPath string
	// ActorName — отображаемое имя оператора; пустое значение берётся из настроек.
	ActorName string
}

// DefaultConfig возвращает базовые настройки терминала.
func DefaultConfig() Config {
	return Config{
		EventStreamURL: "ws://localhost:8081/v1/events",
		OrderAPIURL:    "http://localhost:8080/v1",
		MetricsAddr:    ":9090",
		SettingsPath:   "kds-settings.json",
	}
}

// Terminal — собранное ядро синхронизации одного терминала. Все зависимости
// конструируются явно при старте процесса; никаких import-time синглтонов,
// поэтому в тестах можно поднимать сколько угодно изолированных экземпляров.
type Terminal struct {
	Cache     *ordersync.Cache
	Engine    *ordersync.Engine
	Locks     *lock.Manager
	Transport *transport.Client
	Bus       *bus.Bus

	TerminalID string
	Actor      string
}

// NewTerminal собирает ядро терминала из конфигурации.
func NewTerminal(cfg Config, store domain.SettingsStore, api domain.OrderAPI, sched domain.Scheduler, m *metrics.SyncMetrics, logger *log.Entry) (*Terminal, error) {
	if logger == nil {
		logger = log.New().WithField("component", "terminal")
	}

	terminalID, err := settings.TerminalID(store)
	if err != nil {
		return nil, err
	}

	actor := cfg.ActorName
	if actor == "" {
		if stored, ok, err := store.Get(settings.KeyActorName); err == nil && ok {
			actor = stored
		}
	}
	if actor == "" {
		actor = terminalID
	} else if err := store.Set(settings.KeyActorName, actor); err != nil {
		logger.WithError(err).Warn("failed to persist actor name")
	}

	eventBus := bus.New(logger.WithField("layer", "bus"))
	cache := ordersync.NewCache(m)
	resolver := ordersync.NewResolver(logger.WithField("layer", "resolver"))
	engine := ordersync.NewEngine(cache, resolver, api, eventBus, sched, m, logger.WithField("layer", "engine"))

	locks := lock.NewManager(terminalID, sched,
		lock.WithLogger(logger.WithField("layer", "locks")),
		lock.WithPublisher(eventBus),
		lock.WithMetrics(m),
	)

	// Транспорт только нормализует события и отдаёт их в путь слияния движка.
	wsClient := transport.NewClient(
		transport.DefaultConfig(cfg.EventStreamURL, cfg.VenueID),
		sched,
		func(eventType string, order domain.VersionedOrder) {
			engine.IngestServerPush([]domain.VersionedOrder{order})
		},
		func(state transport.State, reason string) {
			eventBus.Publish(domain.Event{
				Type:      domain.EventConnectionState,
				ConnState: string(state),
				Reason:    reason,
				At:        time.Now().UTC(),
			})
		},
		m,
		logger.WithField("layer", "transport"),
	)

	return &Terminal{
		Cache:      cache,
		Engine:     engine,
		Locks:      locks,
		Transport:  wsClient,
		Bus:        eventBus,
		TerminalID: terminalID,
		Actor:      actor,
	}, nil
}

// Run собирает терминал и работает до отмены контекста.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	store, err := settings.NewFileStore(cfg.SettingsPath)
	if err != nil {
		return err
	}

	syncMetrics := metrics.NewSyncMetrics()
	api := client.NewHTTPOrderAPI(cfg.OrderAPIURL, nil, logger.WithField("layer", "order-api"))
	terminal, err := NewTerminal(cfg, store, api, scheduler.New(), syncMetrics, logger)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"terminal_id": terminal.TerminalID,
		"actor":       terminal.Actor,
		"venue_id":    cfg.VenueID,
	}).Info("терминал собран, запускаем синхронизацию")

	// HTTP health checks
	healthHandler := healthcheck.NewHandler(version.String())
	healthHandler.RegisterChecker("transport", healthcheck.NewSimpleChecker("transport", func() error {
		if state := terminal.Transport.State(); state != transport.StateConnected {
			return errors.New("event stream is " + string(state))
		}
		return nil
	}))
	healthHandler.RegisterChecker("cache", healthcheck.NewStalenessChecker("cache", 5*time.Minute, terminal.Cache.LastSync))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	terminal.Locks.Start()

	// Первичное наполнение кэша; при сбое живой поток событий довезёт данные.
	if err := terminal.Engine.InitialSync(ctx, cfg.VenueID); err != nil {
		logger.WithError(err).Warn("initial sync failed, relying on event stream")
	}

	if err := terminal.Transport.Connect(ctx); err != nil {
		logger.WithError(err).Warn("initial connect failed, reconnect scheduled")
	}

	<-ctx.Done()
	logger.Info("получен сигнал остановки, завершаем работу терминала")

	// Порядок важен: сначала гасим источник событий, потом отпускаем
	// блокировки и повторы, в конце — HTTP.
	terminal.Transport.Close()
	terminal.Locks.Stop()
	terminal.Engine.Close()
	shutdownHTTP(metricsSrv, logger)

	return ctx.Err()
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверок.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
