package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/kds/internal/app"
	"github.com/vladislavdragonenkov/kds/internal/version"
)

// setupLogger настраивает формат и уровень логирования для терминала.
func setupLogger() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	if v := os.Getenv("KDS_LOG_LEVEL"); v != "" {
		if level, err := log.ParseLevel(v); err == nil {
			log.SetLevel(level)
		}
	}
}

// readConfig формирует конфигурацию терминала, позволяя переопределить адреса через переменные окружения.
func readConfig() app.Config {
	cfg := app.DefaultConfig()
	if v := os.Getenv("KDS_VENUE_ID"); v != "" {
		cfg.VenueID = v
	}
	if v := os.Getenv("KDS_EVENT_STREAM_URL"); v != "" {
		cfg.EventStreamURL = v
	}
	if v := os.Getenv("KDS_ORDER_API_URL"); v != "" {
		cfg.OrderAPIURL = v
	}
	if v := os.Getenv("KDS_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("KDS_SETTINGS_PATH"); v != "" {
		cfg.SettingsPath = v
	}
	if v := os.Getenv("KDS_ACTOR_NAME"); v != "" {
		cfg.ActorName = v
	}
	return cfg
}

func main() {
	// .env удобен для локального запуска; в проде переменные приходят извне.
	_ = godotenv.Load()

	setupLogger()
	cfg := readConfig()

	if cfg.VenueID == "" {
		log.Fatal("не задан KDS_VENUE_ID")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"venue_id":     cfg.VenueID,
		"event_stream": cfg.EventStreamURL,
		"order_api":    cfg.OrderAPIURL,
		"metrics_addr": cfg.MetricsAddr,
		"build":        version.String(),
	}).Info("запускаем KDS-терминал")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("терминал завершился с ошибкой")
	}

	log.Info("KDS-терминал остановлен")
}
