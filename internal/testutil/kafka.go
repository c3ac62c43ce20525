//go:build integration

package testutil

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

// KafkaImage is the single-node KRaft image StartKafka runs.
const KafkaImage = "confluentinc/confluent-local:7.5.0"

// StartKafka runs a Kafka broker for the lifetime of t and returns its
// bootstrap addresses.
func StartKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	container, err := tckafka.RunContainer(ctx,
		tckafka.WithClusterID("hone-test"),
		testcontainers.WithImage(KafkaImage),
	)
	require.NoError(t, err, "Failed to start Kafka container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

// CreateTopic creates topic through the cluster controller.
func CreateTopic(t *testing.T, brokers []string, topic string, partitions int) {
	t.Helper()
	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}))
}
