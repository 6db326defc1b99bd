package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/pk-battle/internal/domain"
)

// gift catalogue with weights skewed toward cheap gifts
var gifts = []struct {
	name  string
	value int64
}{
	{"rose", 1}, {"rose", 1}, {"rose", 1}, {"heart", 5}, {"heart", 5},
	{"star", 10}, {"crown", 50}, {"rocket", 100}, {"castle", 500},
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "pk-gifts", "Kafka gift topic")
	battleID := flag.String("battle", "", "Battle id to send gifts to (required)")
	challenger := flag.String("challenger", "", "Challenger user id (required)")
	opponent := flag.String("opponent", "", "Opponent user id (required)")
	senders := flag.Int("senders", 200, "Number of distinct gift senders")
	bias := flag.Int("bias", 50, "Percent of gifts that go to the challenger")
	rate := flag.Int("rate", 50, "Gifts per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *battleID == "" || *challenger == "" || *opponent == "" {
		fmt.Fprintln(os.Stderr, "-battle, -challenger and -opponent are required")
		flag.Usage()
		os.Exit(2)
	}
	if *rate <= 0 || *senders <= 0 {
		log.Fatal("-rate and -senders must be positive")
	}

	fmt.Printf("Sending gifts to battle %s on %s (%s), %d/sec, %d%% to %s\n",
		*battleID, *topic, *brokers, *rate, *bias, *challenger)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, sentCount int64
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	senderIDs := make([]string, *senders)
	for i := range senderIDs {
		senderIDs[i] = uuid.NewString()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	finish := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Acked: %d, Errors: %d\n",
			atomic.LoadInt64(&sentCount), atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	for {
		select {
		case <-sigChan:
			finish("Interrupted")
			return

		case <-deadline:
			finish("Duration reached")
			return

		case <-ticker.C:
			recipient := *opponent
			if rand.Intn(100) < *bias {
				recipient = *challenger
			}
			g := gifts[rand.Intn(len(gifts))]
			cmd := domain.GiftCommand{
				BattleID:        *battleID,
				RecipientUserID: recipient,
				GiftType:        g.name,
				GiftValue:       g.value,
				SenderID:        senderIDs[rand.Intn(len(senderIDs))],
			}

			data, err := json.Marshal(cmd)
			if err != nil {
				log.Printf("Failed to marshal gift: %v", err)
				continue
			}
			// keyed by battle so one partition keeps gift order
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(cmd.BattleID),
				Value: sarama.ByteEncoder(data),
			}
			atomic.AddInt64(&sentCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Acked: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sentCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
