package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/comigor/mioo-go/internal/api"
	"github.com/comigor/mioo-go/internal/bot"
	"github.com/comigor/mioo-go/internal/config"
	"github.com/comigor/mioo-go/internal/embedding"
	"github.com/comigor/mioo-go/internal/history"
	"github.com/comigor/mioo-go/internal/llm"
	"github.com/comigor/mioo-go/internal/logger"
	"github.com/comigor/mioo-go/internal/reply"
	"github.com/comigor/mioo-go/internal/retrieval"
	"github.com/comigor/mioo-go/internal/telegram"
)

func main() {
	flags := pflag.NewFlagSet("mioo", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config.yaml")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("db", "message_history.db", "path to the message history database")
	flags.Bool("debug-api", false, "serve the debug HTTP API")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("mioo stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Component("main")
	if cfg.Telegram.BotToken == "" {
		return errors.New("telegram.bot_token (TELEGRAM_BOT_KEY) is required")
	}

	embedder, closeCache, err := newEmbedder(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	store, err := history.Open(ctx, history.Options{
		Driver:    cfg.History.Driver,
		Path:      cfg.History.Path,
		Retention: cfg.History.Retention,
		Embedder:  embedder,
	})
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	searcher := retrieval.NewSearcher(store, embedder)
	assembler := retrieval.NewAssembler(store, searcher, retrieval.Options{
		Enabled:       cfg.Retrieval.Enabled,
		MaxChars:      cfg.Retrieval.MaxChars,
		SearchTimeout: time.Duration(cfg.Retrieval.SearchTimeoutSeconds) * time.Second,
	})

	llmClient, model, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	tools := reply.Connect(ctx, cfg.MCPServers)
	defer tools.Close()
	agent := reply.New(llmClient, model, cfg.Reply, tools)

	tg := telegram.NewClient(
		telegram.BotURL(cfg.Telegram.APIBase, cfg.Telegram.BotToken),
		time.Duration(cfg.Telegram.RequestTimeoutSeconds)*time.Second,
	)
	username := cfg.Telegram.BotUsername
	if username == "" {
		me, err := tg.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("telegram getMe: %w", err)
		}
		username = me.Username
	}

	b := bot.New(tg, store, assembler, agent, bot.Options{
		BotUsername: username,
		BotAuthor:   cfg.Reply.BotAuthor,
		Chance:      cfg.Reply.Chance,
		RecentN:     cfg.Retrieval.RecentN,
		TopK:        cfg.Retrieval.TopK,
		Apology:     cfg.Reply.Apology,
	})

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr: fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
			Handler: api.NewRouter(api.NewHandler(store, searcher, assembler, api.Defaults{
				RecentN: cfg.Retrieval.RecentN,
				TopK:    cfg.Retrieval.TopK,
			})),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("starting debug api", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("debug api failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("mioo started",
		"bot", username,
		"llm_provider", cfg.LLM.Provider,
		"model", model,
		"embedding", embedder.Model(),
		"retention", store.Retention(),
		"retrieval", cfg.Retrieval.Enabled)

	d := bot.NewDispatcher(ctx, b)
	bot.Poll(ctx, tg, d, cfg.Telegram.PollTimeoutSeconds, 5*time.Second, log)
	d.Close()
	log.Info("mioo shutting down")
	return nil
}

// newEmbedder builds the embedding provider, with a redis vector cache when
// redis.addr is set. An unreachable redis only disables the cache.
func newEmbedder(ctx context.Context, cfg *config.Config) (*embedding.Provider, func(), error) {
	backend, err := embedding.ParseBackend(cfg.Embedding.Backend)
	if err != nil {
		return nil, nil, err
	}
	closeCache := func() {}
	var cache embedding.Cache
	if cfg.Redis.Addr != "" && backend == embedding.BackendModel {
		rc, err := embedding.NewRedisCache(ctx, embedding.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			logger.Component("main").Warn("embedding cache disabled", "error", err)
		} else {
			cache = rc
			closeCache = func() { _ = rc.Close() }
		}
	}
	p, err := embedding.New(embedding.Settings{
		Backend: backend,
		Model: embedding.ModelConfig{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
			Timeout: time.Duration(cfg.LLM.RequestTimeoutSeconds * float64(time.Second)),
		},
		HashDim: cfg.Embedding.HashDim,
		Cache:   cache,
	})
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return p, closeCache, nil
}
