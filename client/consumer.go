package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/logging"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

const (
	endOffsetAttempts = 10
	endOffsetBackoff  = 100 * time.Millisecond
)

// StreamConsumer is the data-plane view. It reads through a fresh group
// with auto-commit off, and its end-offset resolution asks for metadata
// with the auto-create flag a stock consumer sets. That flag is what lets
// a seek resurrect a topic the admin just deleted.
type StreamConsumer struct {
	logger hclog.Logger
	cl     *kgo.Client
	group  string

	mu        sync.Mutex
	positions map[types.PartitionRef]int64
}

func NewStreamConsumer(cfg *types.Configuration, logger hclog.Logger, broker types.ClusterEndpoint, topics []string) (*StreamConsumer, error) {
	group := "consumer-vs-admin-" + uuid.NewString()
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker.String()),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		// auto-creation is asked for only in the explicit seek-path
		// metadata request, never by a background refresh. Keeping the
		// refresh interval long makes the seek the only mover.
		kgo.MetadataMaxAge(5*time.Minute),
		kgo.WithLogger(logging.Kgo{L: logger.Named("kgo")}),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create consumer: %w", err)
	}
	return &StreamConsumer{
		logger:    logger,
		cl:        cl,
		group:     group,
		positions: make(map[types.PartitionRef]int64),
	}, nil
}

// Group returns the generated consumer group id.
func (c *StreamConsumer) Group() string { return c.group }

// Poll runs one fetch pass and returns how many records arrived. Fetch
// errors are logged, not returned; the first poll also forces group
// assignment.
func (c *StreamConsumer) Poll(ctx context.Context) (int, error) {
	fetches := c.cl.PollFetches(ctx)
	fetches.EachError(func(t string, p int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Warn("fetch error", "topic", t, "partition", p, "error", err)
	})
	n := fetches.NumRecords()
	if ctx.Err() != nil {
		return n, ctx.Err()
	}
	return n, nil
}

// ConsumeAll polls until want records arrived or the context runs out.
func (c *StreamConsumer) ConsumeAll(ctx context.Context, want int) (int, error) {
	var total int
	for total < want {
		n, err := c.Poll(ctx)
		total += n
		if err != nil {
			return total, fmt.Errorf("consumed %d of %d records: %w", total, want, err)
		}
	}
	return total, nil
}

// SeekToEnd moves each partition to its current end offset, resolving the
// end through the consumer's own metadata path, and records the resolved
// offset as the partition's position.
func (c *StreamConsumer) SeekToEnd(ctx context.Context, refs ...types.PartitionRef) error {
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, ref := range refs {
		end, err := c.resolveEndOffset(ctx, ref)
		if err != nil {
			return fmt.Errorf("could not seek %s to end: %w", ref, err)
		}
		t, ok := offsets[ref.Topic]
		if !ok {
			t = make(map[int32]kgo.EpochOffset)
			offsets[ref.Topic] = t
		}
		t[ref.Partition] = kgo.EpochOffset{Epoch: -1, Offset: end}
		c.setPosition(ref, end)
		c.logger.Debug("sought to end", "partition", ref.String(), "offset", end)
	}
	c.cl.SetOffsets(offsets)
	return nil
}

// Position returns the position recorded by the last SeekToEnd for the
// partition, or an error if it was never sought.
func (c *StreamConsumer) Position(ref types.PartitionRef) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[ref]
	if !ok {
		return 0, fmt.Errorf("no position for %s", ref)
	}
	return pos, nil
}

func (c *StreamConsumer) Close() {
	c.cl.Close()
}

func (c *StreamConsumer) setPosition(ref types.PartitionRef, pos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[ref] = pos
}

func (c *StreamConsumer) resolveEndOffset(ctx context.Context, ref types.PartitionRef) (int64, error) {
	if err := c.refreshMetadata(ctx, ref.Topic); err != nil {
		return 0, err
	}
	// a freshly auto-created topic may answer with retriable errors while
	// its leader settles
	var lastErr error
	for attempt := 0; attempt < endOffsetAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(endOffsetBackoff):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		end, err := c.listEndOffset(ctx, ref)
		if err == nil {
			return end, nil
		}
		lastErr = err
		if !kerr.IsRetriable(err) {
			break
		}
	}
	return 0, lastErr
}

// refreshMetadata asks the broker for the topic's metadata with the same
// auto-create flag the stock consumer's refresh carries. A broker that
// allows auto-creation re-creates a deleted topic right here.
func (c *StreamConsumer) refreshMetadata(ctx context.Context, topic string) error {
	req := kmsg.NewPtrMetadataRequest()
	req.AllowAutoTopicCreation = true
	reqTopic := kmsg.NewMetadataRequestTopic()
	reqTopic.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := c.cl.Request(ctx, req)
	if err != nil {
		return fmt.Errorf("could not refresh metadata for %q: %w", topic, err)
	}
	for _, t := range resp.(*kmsg.MetadataResponse).Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil && !kerr.IsRetriable(err) {
			return fmt.Errorf("could not refresh metadata for %q: %w", topic, err)
		}
	}
	return nil
}

func (c *StreamConsumer) listEndOffset(ctx context.Context, ref types.PartitionRef) (int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	reqTopic := kmsg.NewListOffsetsRequestTopic()
	reqTopic.Topic = ref.Topic
	part := kmsg.NewListOffsetsRequestTopicPartition()
	part.Partition = ref.Partition
	part.Timestamp = -1 // latest
	reqTopic.Partitions = append(reqTopic.Partitions, part)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := c.cl.Request(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("could not list offsets for %s: %w", ref, err)
	}
	for _, t := range resp.(*kmsg.ListOffsetsResponse).Topics {
		if t.Topic != ref.Topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.Partition != ref.Partition {
				continue
			}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return 0, err
			}
			return p.Offset, nil
		}
	}
	return 0, fmt.Errorf("list offsets response missing %s", ref)
}
