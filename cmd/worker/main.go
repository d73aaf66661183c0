package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/config"
	"github.com/joaniekitchen/backend/internal/database"
	"github.com/joaniekitchen/backend/internal/queue"
	"github.com/joaniekitchen/backend/internal/queue/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("worker requires DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	keys := apikey.NewService(apikey.NewPostgresRepository(db), nil)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	mux := workers.NewMux(keys)

	// The sweep is periodic; expired keys already fail validation, this
	// just marks them revoked for listings.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	sweep := asynq.NewTask(queue.TypeKeySweep, []byte(`{"auto_revoke":true}`))
	if _, err := scheduler.Register("@every 1h", sweep); err != nil {
		slog.Error("register sweep schedule", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			slog.Error("scheduler error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("starting worker", "concurrency", 10)
	if err := srv.Run(mux); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
