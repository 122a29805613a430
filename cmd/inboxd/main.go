// Command inboxd runs the inbox classification and distribution service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/inboxd/classify"
	"github.com/hazyhaar/inboxd/content"
	"github.com/hazyhaar/inboxd/dbopen"
	"github.com/hazyhaar/inboxd/inbox"
	"github.com/hazyhaar/inboxd/observability"
	"github.com/hazyhaar/inboxd/pipeline"
	"github.com/hazyhaar/inboxd/progress"
	"github.com/hazyhaar/inboxd/routing"
	"github.com/hazyhaar/inboxd/server"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "inboxd.yaml", "path to config file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	items, err := inbox.NewStore(db)
	if err != nil {
		slog.Error("item store", "error", err)
		os.Exit(1)
	}
	rules, err := routing.NewStore(db)
	if err != nil {
		slog.Error("rule store", "error", err)
		os.Exit(1)
	}
	events, err := observability.NewEventLogger(db)
	if err != nil {
		slog.Error("event logger", "error", err)
		os.Exit(1)
	}

	tokens := pipeline.NewTokenRegistry()
	manager := progress.NewManager(progress.WithLogger(logger))
	defer manager.Close()

	engine := routing.NewEngine(rules, routing.WithEngineLogger(logger))
	norm := content.NewNormalizer()

	var classifier pipeline.Classifier
	if cfg.Anthropic.APIKey != "" {
		opts := []classify.LLMOption{classify.WithLogger(logger)}
		if cfg.Anthropic.Model != "" {
			opts = append(opts, classify.WithModel(cfg.Anthropic.Model))
		}
		classifier = classify.NewLLMClassifier(cfg.Anthropic.APIKey, opts...)
		logger.Info("classifier", "kind", "llm", "model", cfg.Anthropic.Model)
	} else {
		classifier = classify.NewKeywordClassifier(nil)
		logger.Info("classifier", "kind", "keyword")
	}

	orch := pipeline.NewOrchestrator(
		items, tokens, manager, classifier, engine, rules,
		pipeline.WithLogger(logger),
		pipeline.WithConfidenceThreshold(cfg.ConfidenceThreshold),
		pipeline.WithNormalizer(norm.Normalize),
	)

	authTokens := make(map[string]string, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		authTokens[t.Token] = t.UserID
	}
	if len(authTokens) == 0 {
		slog.Warn("no API tokens configured, all requests will be rejected")
	}

	srv := server.NewServer(items, rules, orch, tokens, manager, authTokens,
		server.WithServerLogger(logger),
		server.WithEventLogger(events),
	)

	// Periodic maintenance: sweep stale SSE connections, trim old event rows.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.SSE.SweepSpec, func() {
		if n := manager.Sweep(cfg.SSEMaxAge()); n > 0 {
			logger.Info("sse sweep", "closed", n)
		}
	}); err != nil {
		slog.Error("schedule sse sweep", "spec", cfg.SSE.SweepSpec, "error", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc("30 3 * * *", func() {
		n, err := events.Cleanup(context.Background(), cfg.EventRetentionDays)
		if err != nil {
			logger.Error("event retention cleanup", "error", err)
			return
		}
		if n > 0 {
			logger.Info("event retention cleanup", "removed", n)
		}
	}); err != nil {
		slog.Error("schedule retention cleanup", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("inboxd listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Release SSE subscribers first so Shutdown is not held open by
	// long-lived streams.
	manager.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
