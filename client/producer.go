package client

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/logging"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

// Producer publishes null-key records and keeps per-outcome counters. A
// failed send is logged and counted, never fatal; the caller decides what an
// incomplete ack count means.
type Producer struct {
	logger hclog.Logger
	cl     *kgo.Client

	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64
}

func NewProducer(cfg *types.Configuration, logger hclog.Logger, broker types.ClusterEndpoint) (*Producer, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker.String()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.WithLogger(logging.Kgo{L: logger.Named("kgo")}),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create producer: %w", err)
	}
	return &Producer{logger: logger, cl: cl}, nil
}

// Send hands the record to the client and returns immediately. The ack or
// failure lands asynchronously in the counters.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte) {
	p.sent.Add(1)
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	p.cl.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("send failed", "topic", r.Topic, "error", err)
			return
		}
		p.acked.Add(1)
		p.logger.Info("record acked", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset)
	})
}

// AwaitAcks flushes all outstanding sends and reports how many were acked
// and how many failed.
func (p *Producer) AwaitAcks(ctx context.Context) (acked, failed int, err error) {
	if err := p.cl.Flush(ctx); err != nil {
		return int(p.acked.Load()), int(p.failed.Load()), fmt.Errorf("could not flush producer: %w", err)
	}
	return int(p.acked.Load()), int(p.failed.Load()), nil
}

// Sent returns how many records were handed to Send so far.
func (p *Producer) Sent() int { return int(p.sent.Load()) }

func (p *Producer) Close() {
	p.cl.Close()
}
