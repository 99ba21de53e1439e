package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/auth"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/config"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store"
	"github.com/nirmalgoswami/limit-order-exchange-engine/internal/store/postgres"
)

// Seed the database with demo accounts. Safe to run repeatedly:
// existing accounts are left untouched.
func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()
	st, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	authService := auth.NewAuthService(st, cfg.JWTSecret)

	for _, username := range []string{"alice", "bob"} {
		acct, err := authService.Register(ctx, username, "password")
		if err != nil {
			if errors.Is(err, store.ErrAccountExists) {
				logger.Info("account already exists", zap.String("username", username))
				continue
			}
			logger.Fatal("failed to seed account", zap.String("username", username), zap.Error(err))
		}
		logger.Info("seeded account",
			zap.Int64("id", acct.ID),
			zap.String("username", username),
			zap.String("balance", acct.Balance.String()))
	}
}
