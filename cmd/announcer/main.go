package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrgrad/internal/config"
	"qrgrad/internal/queue"
	"qrgrad/internal/speech"
	"qrgrad/internal/store"
)

// Announcer consumes queued announcements and voices them through the
// speech service. Announcements are spoken strictly one at a time so a
// fast scan sequence never talks over itself.
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

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrgrad:announcements")
	}

	tts := speech.New(cfg.TTSServiceURL, cfg.TTSSkip, cfg.TTSRate, cfg.TTSPitch)

	if !cfg.TTSSkip {
		if err := tts.Health(ctx); err != nil {
			log.Printf("WARNING: speech service not available: %v", err)
			log.Println("Announcer will retry when announcements arrive")
		} else {
			log.Println("Speech service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("announcer started, waiting for announcements...")
	for msg := range messages {
		if msg.Type != queue.MsgAnnounce {
			continue
		}

		a, err := queue.DecodeAnnouncement(msg)
		if err != nil {
			log.Printf("decode announcement failed: %v", err)
			continue
		}

		text := speech.FormatGraduate(a.Name, a.Awards)
		log.Printf("announcing %s", a.Name)

		result, err := tts.Speak(ctx, text)
		if err != nil {
			log.Printf("announcement for %s failed: %v", a.Name, err)
			continue
		}
		log.Printf("announced %s (%dms, voice %s)", a.Name, result.DurationMS, result.Voice)

		time.Sleep(10 * time.Millisecond) // small gap between announcements
	}

	log.Println("announcer stopped")
}
