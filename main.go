package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"sohbet/internal/api"
	"sohbet/internal/collab"
	"sohbet/internal/config"
	"sohbet/internal/cryptox"
	"sohbet/internal/identity"
	"sohbet/internal/pruner"
	"sohbet/internal/redisx"
	"sohbet/internal/storage"
	"sohbet/internal/store"
	"sohbet/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	cfgPath := os.Getenv("SOHBET_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("SOHBET_DB")
	if dbType == "" {
		dbType = "sqlite"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redisx.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	tokenTTL := time.Duration(cfg.Server.TokenTTLHours) * time.Hour
	identityService := identity.NewService(db, rdb, nil, tokenTTL)

	messageStore := store.New(db, cryptox.NewCipher(), redisx.NewNotifier(rdb))
	collaborators := collab.NewClient(cfg.Collaborators)

	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	prunePool := worker.NewPool(1, 8, time.Minute)
	accountPruner := pruner.New(
		identityService,
		prunePool,
		time.Duration(cfg.Pruner.IntervalMinutes)*time.Minute,
		time.Duration(cfg.Pruner.GraceMinutes)*time.Minute,
		cfg.Pruner.PageSize,
	)
	accountPruner.Start(pruneCtx)

	handlers := api.NewHandler(identityService, messageStore, collaborators, collaborators)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
