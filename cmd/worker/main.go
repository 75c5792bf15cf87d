package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/config"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/queue"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/store"
)

// Worker drains the attendance queue and republishes records on the
// redis live channel for dashboard gateways.
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

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		log.Println("WARNING: redis not reachable, will retry as messages arrive")
	}

	q := queue.NewRedisQueue(redisClient.Client, "chamcong:attendance")

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeRecord {
			continue
		}
		// Dashboard gateways expect the log envelope, not the bare record.
		envelope, err := json.Marshal(map[string]json.RawMessage{
			"type": json.RawMessage(`"new_attendance_log"`),
			"data": json.RawMessage(msg.Body),
		})
		if err != nil {
			log.Printf("envelope marshal failed: %v", err)
			continue
		}
		if err := redisClient.PublishLive(ctx, envelope); err != nil {
			log.Printf("live publish failed: %v", err)
		}
	}

	log.Println("worker stopped")
}
