package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bms/internal/service/outbox"
)

var errNoOriginalEvent = errors.New("dead letter does not carry the original event")

// replayMessage - исходное событие, готовое к повторной публикации.
type replayMessage struct {
	topic        string
	key          string
	value        []byte
	headers      map[string]string
	outboxID     string
	publishError string
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(o replayStats) {
	s.processed += o.processed
	s.replayed += o.replayed
	s.skipped += o.skipped
}

func runReplay(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer replayPublisher) (replayStats, error) {
	var total replayStats
	if client == nil || consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if cfg.Execute && producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.SourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.SourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.SourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if total.processed >= cfg.Limit {
			break
		}
		stats, err := processPartition(ctx, consumer, client, producer, cfg, partition, cfg.Limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

func processPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer replayPublisher,
	cfg config,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.FromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := consumer.ConsumePartition(cfg.SourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case <-idle.C:
			return stats, nil
		case msg, ok := <-pc.Messages():
			// newest указывает на следующее сообщение: читаем только то, что было на старте
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(cfg.IdleTimeout)

			fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}
			stats.processed++

			replay, ok, err := extractReplay(msg, cfg, time.Now().UTC())
			switch {
			case err != nil:
				stats.skipped++
				log.WithError(err).WithFields(fields).Warn("skip unsupported dlq message")
			case !ok:
				stats.skipped++
			case cfg.Execute:
				if err := producer.Publish(replay.topic, replay.key, replay.value, replay.headers); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.replayed++
				log.WithFields(fields).WithField("outbox_id", replay.outboxID).Info("dlq message replayed")
			default:
				stats.replayed++
				log.WithFields(fields).WithFields(log.Fields{
					"target_topic":  replay.topic,
					"key":           replay.key,
					"outbox_id":     replay.outboxID,
					"event_type":    replay.headers[kafka.HeaderEventType],
					"publish_error": replay.publishError,
				}).Info("dlq replay candidate")
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// extractReplay разбирает сообщение DLQ: конверт kafka.Envelope, внутри
// которого лежит outbox.DeadLetter с исходным событием. Второе значение false
// означает, что сообщение не является dead letter или отфильтровано.
func extractReplay(msg *sarama.ConsumerMessage, cfg config, now time.Time) (replayMessage, bool, error) {
	var env kafka.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return replayMessage{}, false, nil
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return replayMessage{}, false, nil
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(env.Payload, &letter); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode dead letter: %w", err)
	}
	if letter.EventType == "" || len(letter.Payload) == 0 {
		return replayMessage{}, false, errNoOriginalEvent
	}
	if cfg.EventType != "" && letter.EventType != cfg.EventType {
		return replayMessage{}, false, nil
	}

	original := letter.Message()
	original.ID = firstNonEmpty(letter.OutboxID, env.ID)
	replayed := kafka.NewEnvelope(original, now)
	body, err := json.Marshal(replayed)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	sourceTopic := firstNonEmpty(msg.Topic, cfg.SourceTopic)
	return replayMessage{
		topic: cfg.TargetTopic,
		key:   replayed.Key(),
		value: body,
		headers: map[string]string{
			kafka.HeaderEventType:     original.EventType,
			kafka.HeaderAggregateType: original.AggregateType,
			kafka.HeaderOriginalTopic: sourceTopic,
			kafka.HeaderReplayCount:   strconv.Itoa(replayCount(msg) + 1),
			kafka.HeaderReplayedAt:    now.Format(time.RFC3339Nano),
		},
		outboxID:     original.ID,
		publishError: letter.PublishError,
	}, true, nil
}

// replayCount читает x-replay-count; отсутствующий или битый заголовок - ноль.
func replayCount(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) != kafka.HeaderReplayCount {
			continue
		}
		n, err := strconv.Atoi(string(h.Value))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
