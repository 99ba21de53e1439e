package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/api"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/auth"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/config"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/exchange"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store/memory"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store/postgres"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/ws"
)

// Main entry point: wires config, store, engine and HTTP server.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	var st store.Store
	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage, state is lost on restart")
		st = memory.NewStore()
	default:
		pg, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		st = pg
	}

	hub := ws.NewHub(logger)
	engine := exchange.New(st, hub, logger)
	authService := auth.NewAuthService(st, cfg.JWTSecret)
	handler := api.NewHandler(st, engine, authService, hub, logger)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Routes(r)

	logger.Info("starting server",
		zap.String("addr", cfg.ListenAddr),
		zap.String("storage", cfg.Storage))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
