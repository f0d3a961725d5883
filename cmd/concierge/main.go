package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stayflow/concierge/common/environment"
	"github.com/stayflow/concierge/common/version"
	"github.com/stayflow/concierge/internal/concierge/app"
)

func main() {
	fmt.Printf("StayFlow Concierge Engine\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg := loadConfig()

	if cfg.RulesAPIBase == "" {
		fmt.Fprintf(os.Stderr, "Error: CONCIERGE_RULES_API is required\n")
		os.Exit(1)
	}
	if cfg.BookingAPIBase == "" {
		fmt.Fprintf(os.Stderr, "Error: CONCIERGE_BOOKING_API is required\n")
		os.Exit(1)
	}

	engine, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize engine: %v\n", err)
		os.Exit(1)
	}

	// Stop on SIGINT/SIGTERM: stop accepting, drain the pool, close the db.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		engine.Stop()
	}()

	if err := engine.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running engine: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads process configuration from the environment.
func loadConfig() app.Config {
	return app.Config{
		ListenAddr:           environment.StringOr("CONCIERGE_LISTEN_ADDR", ":8080"),
		DatabasePath:         environment.StringOr("CONCIERGE_DATABASE_PATH", "./concierge.db"),
		RulesAPIBase:         environment.StringOr("CONCIERGE_RULES_API", ""),
		RulesRefreshInterval: environment.DurationOr("CONCIERGE_RULES_REFRESH", 0),
		BookingAPIBase:       environment.StringOr("CONCIERGE_BOOKING_API", ""),
		DefaultTimezone:      environment.StringOr("CONCIERGE_DEFAULT_TIMEZONE", "UTC"),
		DeliveryWebhook:      environment.StringOr("CONCIERGE_DELIVERY_WEBHOOK", ""),
		OpenAIKey:            environment.StringOr("OPENAI_API_KEY", ""),
		OpenAIModel:          environment.StringOr("OPENAI_MODEL", ""),
		Workers:              environment.IntOr("CONCIERGE_WORKERS", 0),
		QueueDepth:           environment.IntOr("CONCIERGE_QUEUE_DEPTH", 0),
		LogLevel:             environment.StringOr("CONCIERGE_LOG_LEVEL", "info"),
		LogFormat:            environment.StringOr("CONCIERGE_LOG_FORMAT", "json"),
	}
}
