// Package ingest routes chat messages published to kafka by backend services.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/store"
)

//go:generate mockgen -destination mock/mock_ingest.go github.com/mqy/minichat/ingest IKafkaReader,Publisher

const (
	kafkaReadTimeout = 10 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Publisher routes a message like a session send does.
type Publisher interface {
	Publish(ctx context.Context, eventId, senderId, receiverId int64, text string) (*store.Message, error)
}

// Record is the kafka message value.
type Record struct {
	EventId    int64  `json:"eventId"`
	SenderId   int64  `json:"senderId"`
	ReceiverId int64  `json:"receiverId"`
	Text       string `json:"text"`
}

func NewKafkaReader(brokers []string, topic, groupId string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupId,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

// Consumer fetches records, publishes them and commits. A record is
// committed only after it was published, so delivery is at least once.
type Consumer struct {
	publisher     Publisher
	kafkaReader   IKafkaReader
	valueMaxBytes int
	// records older than maxAge are discarded, 0 keeps all.
	maxAge time.Duration
	wg     sync.WaitGroup
}

func NewConsumer(publisher Publisher, kafkaReader IKafkaReader, valueMaxBytes int, maxAge time.Duration) *Consumer {
	return &Consumer{
		publisher:     publisher,
		kafkaReader:   kafkaReader,
		valueMaxBytes: valueMaxBytes,
		maxAge:        maxAge,
	}
}

// Run consumes until ctx is done, then closes the reader and notifies stopDoneNotifyC.
func (c *Consumer) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)

	glog.Info("ingest: ready")

	<-ctx.Done()

	glog.Info("ingest: stopping")
	_ = c.kafkaReader.Close() // slow: take about 7s

	c.wg.Wait()
	glog.Info("ingest: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	glog.Info("ingest: consume loop enter")
	defer func() {
		glog.Info("ingest: consume loop exited")
		c.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("ingest: fetching message ...")
		msg, err := c.kafkaReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				glog.V(5).Info("ingest: fetch was cancelled")
				return
			}
			glog.Errorf("ingest: fetch from kafka err: %v", err)
			if !wait(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// bad format or too old records are committed and skipped.
		if r := c.decodeKafkaMsg(&msg); r != nil {
			if !c.publish(ctx, r, &sleep) {
				return
			}
			metrics.IngestRecords.WithLabelValues("routed").Inc()
		} else {
			metrics.IngestRecords.WithLabelValues("discarded").Inc()
		}

		if !c.commit(ctx, msg, &sleep) {
			return
		}
	}
}

// publish retries until the record is routed. Returns false if ctx is done.
func (c *Consumer) publish(ctx context.Context, r *Record, sleep *time.Duration) bool {
	for {
		glog.V(5).Infof("ingest: publishing %+v", r)
		_, err := c.publisher.Publish(ctx, r.EventId, r.SenderId, r.ReceiverId, r.Text)
		if err == nil {
			*sleep = 0
			return true
		}
		glog.Errorf("ingest: publish err: %v", err)
		if !wait(ctx, sleep) {
			return false
		}
	}
}

// commit retries until the message is committed. Returns false if ctx is done.
func (c *Consumer) commit(ctx context.Context, msg kafka.Message, sleep *time.Duration) bool {
	for {
		err := c.kafkaReader.CommitMessages(ctx, msg)
		if err == nil {
			*sleep = 0
			return true
		}
		// If this message is not committed back, it will be fetched again after restart.
		glog.Errorf("ingest: commit to kafka err: %v", err)
		if errors.Is(err, context.Canceled) {
			glog.V(5).Info("ingest: commit to kafka was cancelled")
			return false
		}
		if !wait(ctx, sleep) {
			return false
		}
	}
}

// wait backs off. Returns false if ctx is done first.
func wait(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

func (c *Consumer) shouldDiscard(msg *kafka.Message) bool {
	return c.maxAge > 0 && !msg.Time.IsZero() && time.Since(msg.Time) > c.maxAge
}

func (c *Consumer) decodeKafkaMsg(msg *kafka.Message) *Record {
	if len(msg.Value) > c.valueMaxBytes {
		glog.Errorf("ingest: kafka value out of limit, offset: %d, size: %d", msg.Offset, len(msg.Value))
		return nil
	}
	var r Record
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		glog.Errorf("ingest: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if r.EventId <= 0 || r.SenderId <= 0 || r.ReceiverId <= 0 {
		glog.Errorf("ingest: invalid ids in kafka msg value: `%s`", msg.Value)
		return nil
	}

	if c.shouldDiscard(msg) {
		glog.Errorf("ingest: ignore incoming message because too old, msg.Offset: %d, msg.Time: %s", msg.Offset, msg.Time)
		return nil
	}

	return &r
}
