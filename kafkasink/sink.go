// Package kafkasink publishes readings as Nightscout entries to a Kafka topic. All
// messages go to partition 0 so the topic keeps the emission order.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"

	"github.com/st-keller/cgm-mirror/nightscout"
	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/transport"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const (
	partition   = 0
	readTimeout = 10 * time.Second
	maxMessage  = 1 << 20
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes entries to one topic.
type Sink struct {
	brokers []string
	topic   string
	writer  messageWriter
	retry   transport.Retrier

	// last returns the newest message of the partition, nil for an empty one.
	last func(ctx context.Context) (*kafka.Message, error)
}

// New creates a sink. Brokers are dialled lazily.
func New(brokers []string, topic string, retry transport.Retrier) *Sink {
	s := &Sink{
		brokers: brokers,
		topic:   topic,
		retry:   retry,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     kafka.BalancerFunc(func(kafka.Message, ...int) int { return partition }),
			RequiredAcks: kafka.RequireAll,
			BatchSize:    1,
		},
	}
	s.last = s.readLast
	return s
}

// Submit publishes one reading keyed by its sensor and sequence.
func (s *Sink) Submit(ctx context.Context, r reading.Reading) error {
	value, err := json.Marshal(nightscout.NewEntry(r))
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(r.Key().String()),
		Value: value,
		Time:  r.Timestamp,
	}
	err = s.retry.Do(ctx, "kafka-submit", func(ctx context.Context) error {
		return s.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", r.Key(), s.topic, err)
	}
	log.Info("published sensor value", "topic", s.topic, "sensor", r.SensorID, "sequence", r.Sequence)
	return nil
}

// LastTimestamp returns the date of the newest entry on the topic, or nil when the
// topic is empty.
func (s *Sink) LastTimestamp(ctx context.Context) (*time.Time, error) {
	var msg *kafka.Message
	err := s.retry.Do(ctx, "kafka-last", func(ctx context.Context) error {
		var err error
		msg, err = s.last(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading last entry of %s: %w", s.topic, err)
	}
	if msg == nil {
		log.Info("kafka topic has no entries yet", "topic", s.topic)
		return nil, nil
	}
	var entry nightscout.Entry
	if err := json.Unmarshal(msg.Value, &entry); err != nil {
		return nil, fmt.Errorf("decoding last entry of %s: %w", s.topic, err)
	}
	ts := entry.Time()
	log.Info("resuming after last kafka entry", "topic", s.topic, "timestamp", ts.Format(time.RFC3339))
	return &ts, nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

func (s *Sink) readLast(ctx context.Context) (*kafka.Message, error) {
	if len(s.brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialLeader(ctx, "tcp", s.brokers[0], s.topic, partition)
	if err != nil {
		return nil, err
	}
	defer func(conn *kafka.Conn) {
		if err := conn.Close(); err != nil {
			log.WithError(err).Warning("closing kafka connection")
		}
	}(conn)

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return nil, err
	}
	if last <= first {
		return nil, nil
	}
	if _, err := conn.Seek(last-1, kafka.SeekAbsolute); err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, err
	}
	msg, err := conn.ReadMessage(maxMessage)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
