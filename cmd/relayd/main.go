package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agent-relay/agent-relay/internal/broker"
	"github.com/agent-relay/agent-relay/internal/clock"
	"github.com/agent-relay/agent-relay/internal/config"
	"github.com/agent-relay/agent-relay/internal/dlq"
	"github.com/agent-relay/agent-relay/internal/events"
	"github.com/agent-relay/agent-relay/internal/hooks"
	"github.com/agent-relay/agent-relay/internal/logging"
	"github.com/agent-relay/agent-relay/internal/memmon"
	"github.com/agent-relay/agent-relay/internal/metrics"
	"github.com/agent-relay/agent-relay/internal/notify"
	"github.com/agent-relay/agent-relay/internal/presence"
	"github.com/agent-relay/agent-relay/internal/store"
)

var version = "dev"

// Exit codes.
const (
	exitOK             = 0
	exitConfig         = 64
	exitAlreadyRunning = 65
	exitInternal       = 70
	exitSocketBind     = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("Agent Relay " + version)
	fmt.Println("=============================================")
	fmt.Printf("AGENT_RELAY_STATE_DIR=%s\n", cfg.StateDir)
	fmt.Printf("AGENT_RELAY_SOCKET=%s\n", cfg.SocketPath)
	fmt.Printf("AGENT_RELAY_ACK_TIMEOUT=%s\n", cfg.AckTimeout)
	fmt.Printf("AGENT_RELAY_MAX_ATTEMPTS=%d\n", cfg.MaxAttempts)
	fmt.Printf("AGENT_RELAY_TTL=%s\n", cfg.TTL)
	fmt.Printf("AGENT_RELAY_CLEANUP_SCHEDULE=%s\n", cfg.CleanupSchedule)

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Error("failed to create state directory", "dir", cfg.StateDir, "error", err)
		return exitInternal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	msgs, err := store.Open(cfg.MessagesDBPath(), store.Options{
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxBatchBytes: cfg.MaxBatchBytes,
		MaxBatchDelay: cfg.MaxBatchDelay,
		RetryInterval: cfg.StorageRetry,
	}, log.Logger)
	if err != nil {
		log.Error("failed to open message store", "path", cfg.MessagesDBPath(), "error", err)
		return exitInternal
	}
	defer msgs.Close()

	dead, err := dlq.Open(cfg.DLQDBPath(), log.Logger)
	if err != nil {
		log.Error("failed to open dead-letter store", "path", cfg.DLQDBPath(), "error", err)
		return exitInternal
	}
	defer dead.Close()

	clk := clock.Real{}
	bus := events.New()
	reg := presence.NewRegistry(clk, bus)
	emitter := hooks.NewEmitter(log.Logger)

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "agent-relay", "", "", 1))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)
	go notifier.Watch(ctx, bus)

	mem := memmon.New(cfg, log.Logger, clk, bus, emitter, memmon.GopsutilSampler{})
	go func() {
		if err := mem.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("memory monitor stopped", "error", err)
		}
	}()

	// Periodic retention sweep over both stores.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.CleanupSchedule, func() {
		horizon := time.Duration(cfg.RetentionHours) * time.Hour
		if n, err := msgs.Prune(horizon, cfg.MaxMessages); err != nil {
			log.Error("message prune failed", "error", err)
		} else if n > 0 {
			log.Info("pruned messages", "count", n)
		}
		dlqHorizon := time.Duration(cfg.DLQRetentionHrs) * time.Hour
		if n, err := dead.Cleanup(dlqHorizon, cfg.DLQMaxEntries); err != nil {
			log.Error("dlq cleanup failed", "error", err)
		} else if n > 0 {
			log.Info("cleaned dead letters", "count", n)
		}
	}); err != nil {
		log.Error("invalid cleanup schedule", "schedule", cfg.CleanupSchedule, "error", err)
		return exitConfig
	}
	sched.Start()
	defer sched.Stop()

	if cfg.TextfilePath != "" {
		go exportTextfile(ctx, cfg, log)
	}

	srv := broker.NewServer(broker.Deps{
		Config:   cfg,
		Log:      log.Logger,
		Clock:    clk,
		Store:    msgs,
		DLQ:      dead,
		Registry: reg,
		Bus:      bus,
		Hooks:    emitter,
		Engine:   broker.NewEngine(cfg, log.Logger, clk, msgs, dead, reg, bus, emitter),
		Limiter:  broker.NewRateLimiter(clk, cfg.RateRefillPerSec, cfg.RateBurst),
		Memory:   mem,
		Version:  version,
	})

	log.Info("relay started", "version", version)

	if err := srv.Run(ctx); err != nil {
		log.Error("relay exited with error", "error", err)
		switch {
		case errors.Is(err, broker.ErrAlreadyRunning):
			return exitAlreadyRunning
		case errors.Is(err, broker.ErrSocketBind):
			return exitSocketBind
		default:
			return exitInternal
		}
	}

	log.Info("relay shutdown complete")
	return exitOK
}

// exportTextfile rewrites the Prometheus textfile on the configured cadence.
func exportTextfile(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	tick := time.NewTicker(cfg.TextfileInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := metrics.WriteTextfile(cfg.TextfilePath); err != nil {
				log.Error("metrics textfile write failed", "path", cfg.TextfilePath, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}
