package main

import (
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/bms/internal/messaging/kafka"
)

// offsetClient - часть sarama.Client, нужная для обхода партиций.
type offsetClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayPublisher реализуется *kafka.Producer.
type replayPublisher interface {
	Publish(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

var _ replayPublisher = (*kafka.Producer)(nil)

// replayDeps держит открытые подключения к Kafka; producer есть только в
// режиме execute.
type replayDeps struct {
	client   offsetClient
	consumer partitionConsumerSource
	producer replayPublisher
}

func (d replayDeps) close() {
	for _, c := range []interface{ Close() error }{d.producer, d.consumer, d.client} {
		if c != nil {
			_ = c.Close()
		}
	}
}

// consumerSource приводит sarama.Consumer к partitionConsumerSource.
type consumerSource struct{ sarama.Consumer }

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.Consumer.ConsumePartition(topic, partition, offset)
}

var newReplayDependencies = func(cfg config) (replayDeps, error) {
	sc := sarama.NewConfig()
	sc.ClientID = replayClientID
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return replayDeps{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := replayDeps{client: client, consumer: consumerSource{consumer}}
	if !cfg.Execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Brokers, ClientID: replayClientID})
	if err != nil {
		deps.close()
		return replayDeps{}, err
	}
	deps.producer = producer
	return deps, nil
}
