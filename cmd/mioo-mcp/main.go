// Command mioo-mcp serves the bot's chat history database as MCP tools over
// stdio, for use by MCP clients such as the reply agent of another bot.
package main

import (
	"context"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	"github.com/comigor/mioo-go/internal/config"
	"github.com/comigor/mioo-go/internal/embedding"
	"github.com/comigor/mioo-go/internal/history"
	"github.com/comigor/mioo-go/internal/logger"
	"github.com/comigor/mioo-go/internal/mcpserver"
	"github.com/comigor/mioo-go/internal/retrieval"
)

func main() {
	flags := pflag.NewFlagSet("mioo-mcp", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config.yaml")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("db", "message_history.db", "path to the message history database")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	// stdout carries the protocol
	log := logger.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	backend, err := embedding.ParseBackend(cfg.Embedding.Backend)
	if err != nil {
		log.Error("invalid embedding backend", "error", err)
		os.Exit(1)
	}
	embedder, err := embedding.New(embedding.Settings{
		Backend: backend,
		Model: embedding.ModelConfig{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
		},
		HashDim: cfg.Embedding.HashDim,
	})
	if err != nil {
		log.Error("failed to create embedder", "error", err)
		os.Exit(1)
	}

	store, err := history.Open(ctx, history.Options{
		Driver:    cfg.History.Driver,
		Path:      cfg.History.Path,
		Retention: cfg.History.Retention,
	})
	if err != nil {
		log.Error("failed to open history", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	searcher := retrieval.NewSearcher(store, embedder)
	s := mcpserver.New(&mcpserver.Tools{
		Store:  store,
		Search: searcher,
		Assembler: retrieval.NewAssembler(store, searcher, retrieval.Options{
			Enabled:       cfg.Retrieval.Enabled,
			MaxChars:      cfg.Retrieval.MaxChars,
			SearchTimeout: time.Duration(cfg.Retrieval.SearchTimeoutSeconds) * time.Second,
		}),
		MaxChars: cfg.Retrieval.MaxChars,
		RecentN:  cfg.Retrieval.RecentN,
		TopK:     cfg.Retrieval.TopK,
	})

	log.Info("serving history over stdio", "db", cfg.History.Path)
	if err := server.ServeStdio(s); err != nil {
		log.Error("mcp server stopped", "error", err)
		store.Close()
		os.Exit(1)
	}
}
