package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"scantrack/internal/config"
	"scantrack/internal/queue"
	"scantrack/internal/security"
	"scantrack/internal/store"
)

// Worker drains the audit queue and persists entries. Keeping persistence
// off the request path is what makes audit writes fire-and-forget for the
// API: a slow or down database delays this loop, never a scan.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	var q queue.Queue
	switch cfg.QueueBackend {
	case "memory":
		q = queue.NewInMemory(256)
	case "rabbitmq":
		q = queue.NewRabbitQueue(cfg.RabbitURL, cfg.AuditQueueKey)
	default:
		redisClient := store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, cfg.AuditQueueKey)
	}

	audits := security.NewPostgresAuditStore(db.Client)
	events := security.NewPostgresEventStore(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if err := security.Dispatch(ctx, msg, audits, events); err != nil {
			log.Printf("persist %s message failed: %v", msg.Type, err)
			continue
		}
	}

	log.Println("worker stopped")
}
