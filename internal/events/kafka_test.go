package events

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/protocol/metadata"
	"github.com/segmentio/kafka-go/protocol/produce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantBroker answers metadata and produce requests without any network.
type instantBroker struct {
	produced atomic.Int32
}

func (b *instantBroker) RoundTrip(_ context.Context, _ net.Addr, req kafka.Request) (kafka.Response, error) {
	switch r := req.(type) {
	case *metadata.Request:
		topics := make([]metadata.ResponseTopic, len(r.TopicNames))
		for i, name := range r.TopicNames {
			topics[i] = metadata.ResponseTopic{
				Name:       name,
				Partitions: []metadata.ResponsePartition{{PartitionIndex: 0}},
			}
		}
		return &metadata.Response{Topics: topics}, nil
	case *produce.Request:
		b.produced.Add(1)
		topic := r.Topics[0]
		return &produce.Response{
			Topics: []produce.ResponseTopic{{
				Topic:      topic.Topic,
				Partitions: []produce.ResponsePartition{{Partition: topic.Partitions[0].Partition}},
			}},
		}, nil
	default:
		return nil, fmt.Errorf("unexpected request %T", req)
	}
}

func TestKafkaSink_SendDoesNotWaitForFullBatch(t *testing.T) {
	broker := &instantBroker{}
	s := NewKafkaSink([]string{"localhost:9092"}, "grocery.events")
	s.writer.Transport = broker
	t.Cleanup(func() { _ = s.Close() })

	const sends = 3
	start := time.Now()
	for i := 0; i < sends; i++ {
		ev := NewStockChanged(uuid.Must(uuid.NewV4()), 10, 9-i)
		require.NoError(t, s.Send(context.Background(), ev))
	}
	elapsed := time.Since(start)

	assert.Equal(t, int32(sends), broker.produced.Load())
	assert.Less(t, elapsed, 500*time.Millisecond, "%d sequential sends took %s", sends, elapsed)
}
