package changes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/malbeclabs/accel/accelerator/pkg/table"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaClient is the subset of *kgo.Client used by KafkaStream.
type KafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type KafkaConfig struct {
	Logger  *slog.Logger
	Brokers []string
	Topic   string
	Group   string
	Decoder *Decoder

	// Client overrides the franz-go client built from Brokers.
	Client KafkaClient
}

func (cfg *KafkaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Decoder == nil {
		return errors.New("decoder is required")
	}
	if cfg.Client != nil {
		return nil
	}
	if len(cfg.Brokers) == 0 {
		return errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return errors.New("topic is required")
	}
	if cfg.Group == "" {
		return errors.New("consumer group is required")
	}
	return nil
}

// KafkaStream reads Debezium change events from a Kafka topic. Each poll
// becomes one batch; offsets are committed only through Commit.
type KafkaStream struct {
	log    *slog.Logger
	cfg    KafkaConfig
	client KafkaClient
}

var _ table.ChangeStream = (*KafkaStream)(nil)

func NewKafkaStream(cfg KafkaConfig) (*KafkaStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	client := cfg.Client
	if client == nil {
		c, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.ConsumeTopics(cfg.Topic),
			kgo.ConsumerGroup(cfg.Group),
			kgo.DisableAutoCommit(),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			kgo.RequestRetries(5),
			kgo.WithLogger(kgoLogAdapter{log: cfg.Logger}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka client: %w", err)
		}
		client = c
	}
	return &KafkaStream{log: cfg.Logger, cfg: cfg, client: client}, nil
}

func (s *KafkaStream) Next(ctx context.Context) (table.ChangeBatch, error) {
	fetches := s.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return table.ChangeBatch{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return table.ChangeBatch{}, err
	}

	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warn("changes: kafka fetch error", "topic", topic, "partition", partition, "error", err)
		fetchErr = errors.Join(fetchErr, fmt.Errorf("topic %s partition %d: %w", topic, partition, err))
	})

	batch := table.ChangeBatch{PrimaryKey: s.cfg.Decoder.PrimaryKey()}
	records := fetches.Records()
	for _, rec := range records {
		ch, err := s.cfg.Decoder.Decode(rec.Value)
		if errors.Is(err, ErrTombstone) {
			continue
		}
		if err != nil {
			return table.ChangeBatch{}, fmt.Errorf("record %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
		}
		batch.Changes = append(batch.Changes, ch)
	}
	if len(records) == 0 && fetchErr != nil {
		return table.ChangeBatch{}, fetchErr
	}
	batch.Offset = records
	return batch, nil
}

// Commit commits the offsets of every record in batch.
func (s *KafkaStream) Commit(ctx context.Context, batch table.ChangeBatch) error {
	records, ok := batch.Offset.([]*kgo.Record)
	if !ok || len(records) == 0 {
		return nil
	}
	if err := s.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

func (s *KafkaStream) Close() error {
	s.client.Close()
	return nil
}

type kgoLogAdapter struct {
	log *slog.Logger
}

func (a kgoLogAdapter) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (a kgoLogAdapter) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	msg = "changes: kafka: " + msg
	switch level {
	case kgo.LogLevelError:
		a.log.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		a.log.Warn(msg, keyvals...)
	case kgo.LogLevelInfo:
		a.log.Info(msg, keyvals...)
	default:
		a.log.Debug(msg, keyvals...)
	}
}
