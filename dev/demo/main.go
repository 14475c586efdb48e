package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/ingest"
)

// The demo mocks a backend service that publishes chat messages to kafka,
// e.g. an organizer announcing to every attendee of an event.

var (
	kafkaEndpoints = flag.String("kafka-endpoints", "127.0.0.1:9092", "kafka endpoints, ',' delimitted.")
	kafkaTopic     = flag.String("kafka-topic", "minichat-messages", "ingest topic of the minichat server")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
	eventId        = flag.Int64("event-id", 1, "event of the messages")
	senderId       = flag.Int64("sender-id", 99, "user the messages are sent as")
	receivers      = flag.Int64("receivers", 2, "messages go to users 1..receivers in turn")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if len(*kafkaEndpoints) == 0 {
		glog.Exit("--kafka-endpoints is required.")
	}
	if *eventId <= 0 || *senderId <= 0 || *receivers <= 0 {
		glog.Exit("--event-id, --sender-id and --receivers should be positive")
	}

	endpoints := strings.Split(*kafkaEndpoints, ",")

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  endpoints,
		Topic:    *kafkaTopic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	defer w.Close()

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-messages --create
	// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-messages --delete

	var i int64
	for range ticker.C {
		r := &ingest.Record{
			EventId:    *eventId,
			SenderId:   *senderId,
			ReceiverId: i%*receivers + 1,
			Text:       fmt.Sprintf("announcement #%d", i),
		}

		value, err := json.Marshal(r)
		if err != nil {
			glog.Exitf("marshal record: %v", err)
		}

		// same key keeps one conversation on one partition, in order.
		msg := kafka.Message{
			Key:   []byte(fmt.Sprintf("%d:%d:%d", r.EventId, r.SenderId, r.ReceiverId)),
			Value: value,
		}
		if err := w.WriteMessages(context.Background(), msg); err != nil {
			glog.Exitf("write message: %v", err)
		}
		glog.Infof("sent %s", value)

		i++
	}
}
