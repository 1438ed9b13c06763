// README: Kafka writer construction and topic bootstrap.
package infra

import (
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter returns a writer that routes by message key, so every message for
// one entity lands on the same partition.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// CreateTopics creates topics through the cluster controller with 3 partitions and
// replication factor 1. Existing topics are left alone.
func CreateTopics(brokerAddr string, topics ...string) error {
	conn, err := kafka.Dial("tcp", brokerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{Topic: topic, NumPartitions: 3, ReplicationFactor: 1})
	}
	return controllerConn.CreateTopics(configs...)
}
