package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/quote-assistant/internal/chat"
	"github.com/suPer8Hu/quote-assistant/internal/config"
	"github.com/suPer8Hu/quote-assistant/internal/db"
	"github.com/suPer8Hu/quote-assistant/internal/store/rabbitmq"
)

const (
	maxRetries = 3
	retryDelay = 10 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file, using environment")
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	repo := chat.NewRepo(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// retries publish on the consume channel, which is not safe for
	// concurrent publishing
	var pubMu sync.Mutex

	// worker pool
	deliveries := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				ev, err := chat.DecodeEvent(d.Body)
				if err != nil {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false) // -> dlq
					continue
				}

				start := time.Now()
				if err := handleEvent(ctx, repo, ev); err != nil {
					attempt := rabbitmq.RetryCount(d)
					log.Printf("worker=%d event %s failed attempt=%d cost=%s err=%v", workerID, ev.ID, attempt, time.Since(start), err)
					if attempt >= maxRetries {
						_ = d.Nack(false, false)
						continue
					}
					pubMu.Lock()
					rerr := rabbitmq.Retry(context.Background(), ch, cfg.RabbitQueue, d, retryDelay)
					pubMu.Unlock()
					if rerr != nil {
						log.Printf("worker=%d retry publish failed event=%s err=%v", workerID, ev.ID, rerr)
						_ = d.Nack(false, false)
						continue
					}
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed event=%s err=%v", workerID, ev.ID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(deliveries)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(deliveries)
				wg.Wait()
				os.Exit(1)
			}
			deliveries <- d
		}
	}
}

func handleEvent(ctx context.Context, repo *chat.Repo, ev chat.Event) error {
	start := time.Now()

	row, created, err := repo.InsertQuoteEventOrGetExisting(ctx, ev.Row())
	if err != nil {
		return err
	}
	if !created {
		log.Printf("event_duplicate event=%s type=%s session=%s", ev.ID, ev.Type, ev.SessionID)
		return nil
	}

	if cost := time.Since(start); cost > 500*time.Millisecond {
		log.Printf("event_timing event=%s type=%s row=%d total=%s", ev.ID, ev.Type, row.ID, cost)
	}
	return nil
}
