// Package probe drives one full create/publish/read/delete/re-read pass
// through two independent client paths and records what each saw. It draws
// no conclusions; the report carries the shapes for callers to compare.
package probe

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/client"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/harness"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

// DivergenceProbe runs the scenario against a harness that is already set
// up. One topic is observed only through the streaming consumer, the other
// only through the admin gateway, so the two views cannot contaminate each
// other.
type DivergenceProbe struct {
	cfg    *types.Configuration
	root   hclog.Logger
	logger hclog.Logger
	h      *harness.ClusterHarness
}

func NewDivergenceProbe(h *harness.ClusterHarness, logger hclog.Logger) *DivergenceProbe {
	return &DivergenceProbe{
		cfg:    h.Config(),
		root:   logger,
		logger: logger.Named("probe"),
		h:      h,
	}
}

// Run executes the scenario strictly sequentially. The report is returned
// alongside any error so an aborted run still shows what it saw up to the
// abort. The admin lookup after deletion is the one step whose failure is
// part of the scenario; it is recorded in the report, never returned.
func (p *DivergenceProbe) Run(ctx context.Context) (*Report, error) {
	report := NewReport()

	consumerTopic := types.NewTopic(p.cfg.ConsumerTopicPrefix)
	adminTopic := types.NewTopic(p.cfg.AdminTopicPrefix)
	consumerRef := types.PartitionRef{Topic: consumerTopic.Name}
	adminRef := types.PartitionRef{Topic: adminTopic.Name}

	adm := p.h.Admin()
	for _, topic := range []types.Topic{consumerTopic, adminTopic} {
		if err := adm.CreateTopic(ctx, topic); err != nil {
			return report, err
		}
	}

	if err := p.publish(ctx, consumerTopic.Name, adminTopic.Name); err != nil {
		return report, err
	}

	consumer, err := client.NewStreamConsumer(p.cfg, p.root.Named("consumer"), p.h.BrokerEndpoint(), []string{consumerTopic.Name})
	if err != nil {
		return report, err
	}
	defer consumer.Close()

	readCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	consumed, err := consumer.ConsumeAll(readCtx, p.cfg.RecordCount)
	cancel()
	if err != nil {
		return report, err
	}
	p.logger.Info("stream is live", "topic", consumerTopic.Name, "consumed", consumed)

	// before deletion the two views must agree
	obs, err := p.observeConsumer(ctx, consumer, consumerRef, types.PhaseBeforeDeletion)
	if err != nil {
		return report, err
	}
	report.Add(obs)
	obs, err = p.observeAdmin(ctx, adminRef, types.PhaseBeforeDeletion)
	if err != nil {
		return report, err
	}
	report.Add(obs)

	// delete the consumer-observed topic and look again through the
	// consumer path
	if err := p.h.DeleteTopic(ctx, consumerTopic.Name); err != nil {
		return report, err
	}
	obs, err = p.observeConsumer(ctx, consumer, consumerRef, types.PhaseAfterDeletion)
	if err != nil {
		return report, err
	}
	report.Add(obs)

	// delete the admin-observed topic and look again through the admin
	// path; this lookup failing is the other half of the verdict
	if err := p.h.DeleteTopic(ctx, adminTopic.Name); err != nil {
		return report, err
	}
	offset, lookupErr := adm.LatestOffset(ctx, adminRef)
	obs = types.OffsetObservation{
		Partition: adminRef,
		Source:    types.SourceAdmin,
		Phase:     types.PhaseAfterDeletion,
		Offset:    offset,
		Err:       lookupErr,
	}
	if lookupErr == nil {
		p.logger.Warn("admin lookup unexpectedly succeeded after deletion", "observation", obs.String())
	} else {
		p.logger.Info("observed", "observation", obs.String())
	}
	report.Add(obs)

	return report, nil
}

// publish sends RecordCount records to each topic through one producer,
// alternating between the two, all keys null.
func (p *DivergenceProbe) publish(ctx context.Context, consumerTopic, adminTopic string) error {
	producer, err := client.NewProducer(p.cfg, p.root.Named("producer"), p.h.BrokerEndpoint())
	if err != nil {
		return err
	}
	defer producer.Close()

	for i := 0; i < p.cfg.RecordCount; i++ {
		for _, topic := range []string{consumerTopic, adminTopic} {
			producer.Send(ctx, topic, nil, []byte(fmt.Sprintf("record-%d", i)))
		}
	}
	ackCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()
	acked, failed, err := producer.AwaitAcks(ackCtx)
	if err != nil {
		return err
	}
	p.logger.Info("publish complete", "sent", producer.Sent(), "acked", acked, "failed", failed)
	if acked == 0 {
		return fmt.Errorf("no records acknowledged")
	}
	return nil
}

func (p *DivergenceProbe) observeConsumer(ctx context.Context, consumer *client.StreamConsumer, ref types.PartitionRef, phase types.ObservationPhase) (types.OffsetObservation, error) {
	if err := consumer.SeekToEnd(ctx, ref); err != nil {
		return types.OffsetObservation{}, fmt.Errorf("consumer observation of %s %s: %w", ref, phase, err)
	}
	pos, err := consumer.Position(ref)
	if err != nil {
		return types.OffsetObservation{}, fmt.Errorf("consumer observation of %s %s: %w", ref, phase, err)
	}
	obs := types.OffsetObservation{Partition: ref, Source: types.SourceConsumer, Phase: phase, Offset: pos}
	p.logger.Info("observed", "observation", obs.String())
	return obs, nil
}

func (p *DivergenceProbe) observeAdmin(ctx context.Context, ref types.PartitionRef, phase types.ObservationPhase) (types.OffsetObservation, error) {
	offset, err := p.h.Admin().LatestOffset(ctx, ref)
	if err != nil {
		return types.OffsetObservation{}, fmt.Errorf("admin observation of %s %s: %w", ref, phase, err)
	}
	obs := types.OffsetObservation{Partition: ref, Source: types.SourceAdmin, Phase: phase, Offset: offset}
	p.logger.Info("observed", "observation", obs.String())
	return obs, nil
}
