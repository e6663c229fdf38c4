package main

import (
	"log"
	"net/http"
	"time"

	"kotoba/internal/api"
	"kotoba/internal/config"
	"kotoba/internal/db"
	"kotoba/internal/importer"
	"kotoba/internal/services"
)

func main() {
	cfg := config.Load()

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer conn.Close()

	itemService := services.NewItemService(conn)
	reviewService := services.NewReviewService(conn)
	practiceService := services.NewPracticeService(conn)
	attemptService := services.NewAttemptService(conn)
	ledgerService := services.NewLedgerService(conn)
	fileImporter := importer.New(itemService)

	server := api.NewServer(
		itemService,
		reviewService,
		practiceService,
		attemptService,
		ledgerService,
		fileImporter,
		cfg.ImportDir,
		cfg.StreakLookback,
	)

	log.Printf("listening on :%s", cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}
