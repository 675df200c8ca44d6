package main

import (
	"context"
	"expvar"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"prrelay/internal"
	"prrelay/internal/bus"
	"prrelay/internal/hub"
	"prrelay/internal/journal"
	"prrelay/internal/webhook"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	relayHub := hub.New(logger, hub.Config{
		SendBuffer:   config.Relay.SendBuffer,
		WriteTimeout: time.Duration(config.Relay.WriteTimeoutMS) * time.Millisecond,
		ReadLimit:    config.Relay.ReadLimitBytes,
	})

	opts := []webhook.Option{webhook.WithMaxBodyBytes(config.Server.MaxBodyBytes)}

	var deliveries *journal.Store
	if config.Journal.Enabled {
		deliveries, err = journal.Open(config.Journal)
		if err != nil {
			logger.Fatalf("journal: %v", err)
		}
		defer deliveries.Close()
		opts = append(opts, webhook.WithJournal(deliveries))
		logger.Printf("delivery journal enabled")
	}

	var mirror *bus.Mirror
	if config.Mirror.Enabled {
		engine, err := bus.NewRuleEngine(bus.RulesConfig{
			Rules:  config.Mirror.Rules,
			Strict: config.Mirror.Strict,
			Logger: logger,
		})
		if err != nil {
			logger.Fatalf("compile mirror rules: %v", err)
		}
		publisher, err := bus.NewPublisher(config.Mirror)
		if err != nil {
			logger.Fatalf("mirror publisher: %v", err)
		}
		mirror = bus.NewMirror(engine, publisher, config.Mirror.Topic, logger)
		defer mirror.Close()
		opts = append(opts, webhook.WithMirror(mirror))
		logger.Printf("event mirror enabled on topic %s", config.Mirror.Topic)
	}

	ingress, err := webhook.NewHandler(config.Webhook.Secret, relayHub, logger, opts...)
	if err != nil {
		logger.Fatalf("webhook handler: %v", err)
	}

	var webhookHandler http.Handler = ingress
	if config.Server.RateLimitRPS > 0 {
		webhookHandler = internal.NewRateLimitHandler(
			webhookHandler,
			config.Server.RateLimitRPS,
			config.Server.RateLimitBurst,
			time.Minute,
		)
		logger.Printf("webhook rate limit enabled: %d rps", config.Server.RateLimitRPS)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /webhook/{instance}", webhookHandler)
	mux.Handle("GET /ws/{instance}", relayHub.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deliveries != nil {
		mux.Handle("GET /deliveries", &journal.DeliveriesHandler{Store: deliveries, Logger: logger})
	}
	if config.Server.MetricsEnabled {
		mux.Handle("GET "+config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	addr := net.JoinHostPort(config.Server.Host, strconv.Itoa(config.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	if config.Server.MaxConns > 0 {
		listener = netutil.LimitListener(listener, config.Server.MaxConns)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
