package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	deliveriesHeader = "x-deliveries"
	// a slip upload plus its base64 envelope; the topic's max.message.bytes
	// must allow it
	maxMessageBytes = 16 << 20
)

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	MaxDeliveries int
}

// KafkaQueue publishes command envelopes to one topic and consumes them in a
// consumer group. Offsets are committed only after the handler finished, so
// a crash redelivers the command.
type KafkaQueue struct {
	cfg         KafkaConfig
	writer      *kafka.Writer
	deadLetter  DeadLetter
	undecodable Undecodable
	log         *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaQueue(cfg KafkaConfig, deadLetter DeadLetter, log *zap.Logger) *KafkaQueue {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	return &KafkaQueue{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			BatchBytes:   maxMessageBytes,
		},
		deadLetter: deadLetter,
		log:        log,
	}
}

// OnUndecodable sets the hook for messages that fail to decode. Call it
// before Consume.
func (q *KafkaQueue) OnUndecodable(fn Undecodable) { q.undecodable = fn }

func (q *KafkaQueue) Publish(ctx context.Context, cmd domain.Command) error {
	return q.publish(ctx, cmd, 0)
}

func (q *KafkaQueue) publish(ctx context.Context, cmd domain.Command, deliveries int) error {
	value, err := Encode(cmd)
	if err != nil {
		return err
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(RoutingKey(cmd)),
		Value: value,
		Headers: []kafka.Header{
			{Key: deliveriesHeader, Value: []byte(strconv.Itoa(deliveries))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Kind(), err)
	}
	return nil
}

func deliveriesOf(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key == deliveriesHeader {
			n, _ := strconv.Atoi(string(h.Value))
			return n
		}
	}
	return 0
}

func (q *KafkaQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  q.cfg.Brokers,
			GroupID:  q.cfg.GroupID,
			Topic:    q.cfg.Topic,
			MinBytes: 1,
			MaxBytes: maxMessageBytes,
		})
		q.mu.Lock()
		q.readers = append(q.readers, r)
		q.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			q.loop(ctx, r, h)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *KafkaQueue) loop(ctx context.Context, r *kafka.Reader, h Handler) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			q.log.Error("kafka fetch failed", zap.Error(err))
			continue
		}
		if !q.handle(ctx, msg, h) {
			return
		}
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			q.log.Error("kafka commit failed",
				zap.Int64("offset", msg.Offset),
				zap.Int("partition", msg.Partition),
				zap.Error(err))
		}
	}
}

// handle reports whether msg may be committed. An interrupted delivery is
// left uncommitted so the group hands it out again after restart.
func (q *KafkaQueue) handle(ctx context.Context, msg kafka.Message, h Handler) bool {
	cmd, err := Decode(msg.Value)
	if err != nil {
		metrics.QueueDeliveries.WithLabelValues("unknown", "undecodable").Inc()
		q.log.Error("undecodable command dropped",
			zap.Int64("offset", msg.Offset),
			zap.Int("partition", msg.Partition),
			zap.Error(err))
		if q.undecodable != nil {
			q.undecodable(context.WithoutCancel(ctx), msg.Value, err)
		}
		return true
	}
	kind := string(cmd.Kind())
	deliveries := deliveriesOf(msg) + 1

	err = h(ctx, cmd)
	if err == nil {
		metrics.QueueDeliveries.WithLabelValues(kind, "ok").Inc()
		return true
	}
	if ctx.Err() != nil {
		metrics.QueueDeliveries.WithLabelValues(kind, "interrupted").Inc()
		return false
	}
	if deliveries >= q.cfg.MaxDeliveries {
		metrics.QueueDeliveries.WithLabelValues(kind, "dead_letter").Inc()
		if q.deadLetter != nil {
			q.deadLetter(context.WithoutCancel(ctx), cmd, deliveries, err)
		}
		return true
	}
	metrics.QueueDeliveries.WithLabelValues(kind, "retry").Inc()
	if perr := q.publish(ctx, cmd, deliveries); perr != nil {
		q.log.Error("requeue failed, dead-lettering",
			zap.String("kind", kind),
			zap.Error(perr))
		if q.deadLetter != nil {
			q.deadLetter(context.WithoutCancel(ctx), cmd, deliveries, err)
		}
	}
	return true
}

func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for _, r := range q.readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, q.writer.Close())
	return errors.Join(errs...)
}
