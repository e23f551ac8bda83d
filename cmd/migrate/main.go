package main

import (
	"context"
	"flag"
	"log"

	"EPaymentGateway/internal/app"
	"EPaymentGateway/internal/config"
	"EPaymentGateway/internal/db"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	app.LoadEnv()
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, 1)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if *down > 0 {
		if err := db.Rollback(pool, *down); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Printf("rolled back %d migration(s)", *down)
		return
	}
	version, err := db.Migrate(pool)
	if err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	log.Printf("schema at version %d", version)
}
