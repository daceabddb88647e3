package main

import (
	"polyfeed/config"
	"polyfeed/internal/feed/collector"
	"polyfeed/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// optional .env for local development
	_ = godotenv.Load()

	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// run feed
	if err := collector.StartFeed(cfg, log); err != nil {
		log.Fatal("feed failed", zap.Error(err))
	}
}
