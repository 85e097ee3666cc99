// Package client holds the two independent views onto the broker that the
// probe compares: a streaming consumer and an admin gateway. The two share
// nothing but the broker address, so neither can mask what the other sees.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/logging"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

// AdminGateway is the control-plane view. Its metadata requests never ask
// for topic auto-creation, so a deleted topic stays deleted from where it
// stands.
type AdminGateway struct {
	logger hclog.Logger
	adm    *kadm.Client
}

func NewAdminGateway(cfg *types.Configuration, logger hclog.Logger, broker types.ClusterEndpoint) (*AdminGateway, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker.String()),
		kgo.WithLogger(logging.Kgo{L: logger.Named("kgo")}),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create admin client: %w", err)
	}
	return &AdminGateway{logger: logger, adm: kadm.NewClient(cl)}, nil
}

// CreateTopic creates the topic with the partition count and replication
// factor it carries and blocks until the broker acknowledged it.
func (g *AdminGateway) CreateTopic(ctx context.Context, topic types.Topic) error {
	resp, err := g.adm.CreateTopic(ctx, topic.Partitions, topic.ReplicationFactor, nil, topic.Name)
	if err == nil {
		err = resp.Err
	}
	if err != nil {
		return fmt.Errorf("%w: topic %q: %w", types.ErrTopicCreate, topic.Name, err)
	}
	g.logger.Info("created topic", "topic", topic.Name, "partitions", topic.Partitions, "replication", topic.ReplicationFactor)
	return nil
}

func (g *AdminGateway) DeleteTopic(ctx context.Context, name string) error {
	resp, err := g.adm.DeleteTopic(ctx, name)
	if err == nil {
		err = resp.Err
	}
	if err != nil {
		return fmt.Errorf("could not delete topic %q: %w", name, err)
	}
	g.logger.Info("deleted topic", "topic", name)
	return nil
}

// TopicExists reports whether the broker currently lists the topic.
func (g *AdminGateway) TopicExists(ctx context.Context, name string) (bool, error) {
	details, err := g.adm.ListTopics(ctx, name)
	if err != nil {
		return false, fmt.Errorf("could not list topics: %w", err)
	}
	return details.Has(name), nil
}

// LatestOffset returns the end offset of the partition. A topic the broker
// no longer knows surfaces as an error matching IsUnknownTopic.
func (g *AdminGateway) LatestOffset(ctx context.Context, ref types.PartitionRef) (int64, error) {
	listed, err := g.adm.ListEndOffsets(ctx, ref.Topic)
	if err != nil {
		return 0, fmt.Errorf("could not list end offsets for %s: %w", ref, err)
	}
	offset, ok := listed.Lookup(ref.Topic, ref.Partition)
	if !ok {
		if err := listed.Error(); err != nil {
			return 0, fmt.Errorf("could not list end offsets for %s: %w", ref, err)
		}
		return 0, fmt.Errorf("could not list end offsets for %s: %w", ref, kerr.UnknownTopicOrPartition)
	}
	if offset.Err != nil {
		return 0, fmt.Errorf("could not list end offsets for %s: %w", ref, offset.Err)
	}
	return offset.Offset, nil
}

func (g *AdminGateway) Close() {
	g.adm.Close()
}

// IsUnknownTopic reports whether err is the broker telling us the topic
// does not exist.
func IsUnknownTopic(err error) bool {
	return errors.Is(err, kerr.UnknownTopicOrPartition)
}
