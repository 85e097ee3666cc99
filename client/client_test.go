package client

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kfake"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

func newTestCluster(t *testing.T) types.ClusterEndpoint {
	t.Helper()
	cluster, err := kfake.NewCluster(
		kfake.NumBrokers(1),
		kfake.DefaultNumPartitions(1),
		kfake.AllowAutoTopicCreation(),
	)
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	t.Cleanup(cluster.Close)
	endpoint, err := types.ParseEndpoint(cluster.ListenAddrs()[0])
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	return endpoint
}

func newTestAdmin(t *testing.T, broker types.ClusterEndpoint) *AdminGateway {
	t.Helper()
	adm, err := NewAdminGateway(types.DefaultConfiguration(), hclog.NewNullLogger(), broker)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	t.Cleanup(adm.Close)
	return adm
}

func produce(t *testing.T, broker types.ClusterEndpoint, topic string, n int) {
	t.Helper()
	p, err := NewProducer(types.DefaultConfiguration(), hclog.NewNullLogger(), broker)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	defer p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		p.Send(ctx, topic, nil, []byte(fmt.Sprintf("record-%d", i)))
	}
	acked, failed, err := p.AwaitAcks(ctx)
	if err != nil {
		t.Fatalf("await acks: %v", err)
	}
	if acked != n || failed != 0 {
		t.Fatalf("acked %d failed %d, want %d acked", acked, failed, n)
	}
}

func waitTopicGone(t *testing.T, adm *AdminGateway, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		exists, err := adm.TopicExists(ctx, name)
		if err != nil {
			t.Fatalf("list topics: %v", err)
		}
		if !exists {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("topic %q still listed after deletion", name)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProduceConsumeSeek(t *testing.T) {
	broker := newTestCluster(t)
	adm := newTestAdmin(t, broker)
	topic := types.NewTopic("roundtrip")
	ref := types.PartitionRef{Topic: topic.Name, Partition: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := adm.CreateTopic(ctx, topic); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	produce(t, broker, topic.Name, 5)

	c, err := NewStreamConsumer(types.DefaultConfiguration(), hclog.NewNullLogger(), broker, []string{topic.Name})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()

	n, err := c.ConsumeAll(ctx, 5)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if n != 5 {
		t.Fatalf("consumed %d records, want 5", n)
	}
	// positions come from seeks, not from consumed records
	if _, err := c.Position(ref); err == nil {
		t.Fatal("expected no position before the first seek")
	}

	if err := c.SeekToEnd(ctx, ref); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if pos, err := c.Position(ref); err != nil || pos != 5 {
		t.Fatalf("position after seek = %d, %v; want 5", pos, err)
	}
	if end, err := adm.LatestOffset(ctx, ref); err != nil || end != 5 {
		t.Fatalf("latest offset = %d, %v; want 5", end, err)
	}
}

func TestSeekDivergesAfterDeletion(t *testing.T) {
	broker := newTestCluster(t)
	adm := newTestAdmin(t, broker)
	topic := types.NewTopic("divergence")
	ref := types.PartitionRef{Topic: topic.Name, Partition: 0}
	const n = 10

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := adm.CreateTopic(ctx, topic); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	produce(t, broker, topic.Name, n)

	c, err := NewStreamConsumer(types.DefaultConfiguration(), hclog.NewNullLogger(), broker, []string{topic.Name})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer c.Close()
	if _, err := c.ConsumeAll(ctx, n); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// both views agree while the topic exists
	if err := c.SeekToEnd(ctx, ref); err != nil {
		t.Fatalf("seek before deletion: %v", err)
	}
	if pos, _ := c.Position(ref); pos != n {
		t.Fatalf("consumer position before deletion = %d, want %d", pos, n)
	}
	if end, err := adm.LatestOffset(ctx, ref); err != nil || end != n {
		t.Fatalf("admin offset before deletion = %d, %v; want %d", end, err, n)
	}

	if err := adm.DeleteTopic(ctx, topic.Name); err != nil {
		t.Fatalf("delete topic: %v", err)
	}
	waitTopicGone(t, adm, topic.Name)

	// the admin path must run first: the consumer's seek re-creates the
	// topic and would hide the deletion from it
	if _, err := adm.LatestOffset(ctx, ref); !IsUnknownTopic(err) {
		t.Fatalf("admin offset after deletion: got %v, want unknown topic", err)
	}

	if err := c.SeekToEnd(ctx, ref); err != nil {
		t.Fatalf("seek after deletion: %v", err)
	}
	pos, err := c.Position(ref)
	if err != nil {
		t.Fatalf("position after deletion: %v", err)
	}
	if pos != 0 {
		t.Fatalf("consumer position after deletion = %d, want 0", pos)
	}

	// the seek quietly brought the topic back
	exists, err := adm.TopicExists(ctx, topic.Name)
	if err != nil {
		t.Fatalf("list topics: %v", err)
	}
	if !exists {
		t.Fatal("expected the seek to re-create the topic")
	}
	if end, err := adm.LatestOffset(ctx, ref); err != nil || end != 0 {
		t.Fatalf("admin offset after re-creation = %d, %v; want 0", end, err)
	}
}

func TestLatestOffsetOnMissingTopic(t *testing.T) {
	broker := newTestCluster(t)
	adm := newTestAdmin(t, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := adm.LatestOffset(ctx, types.PartitionRef{Topic: "never-created", Partition: 0})
	if !IsUnknownTopic(err) {
		t.Fatalf("got %v, want unknown topic", err)
	}
}

func TestFreshGroupPerConsumer(t *testing.T) {
	broker := newTestCluster(t)

	a, err := NewStreamConsumer(types.DefaultConfiguration(), hclog.NewNullLogger(), broker, []string{"a"})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer a.Close()
	b, err := NewStreamConsumer(types.DefaultConfiguration(), hclog.NewNullLogger(), broker, []string{"a"})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	defer b.Close()

	if a.Group() == b.Group() {
		t.Fatalf("expected distinct groups, both %q", a.Group())
	}
	if !strings.HasPrefix(a.Group(), "consumer-vs-admin-") {
		t.Fatalf("unexpected group name %q", a.Group())
	}
}
