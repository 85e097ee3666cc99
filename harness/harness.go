// Package harness wires the disposable cluster together: coordination
// service, broker, and the admin gateway, brought up in order and torn
// down in strict reverse.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/broker"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/client"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/coordination"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/storage"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

// ClusterHarness owns the process lifecycle. Setup is all-or-nothing: a
// failure rolls back whatever already started. Teardown is idempotent and
// keeps going past individual failures, reporting them all at the end.
type ClusterHarness struct {
	cfg    *types.Configuration
	root   hclog.Logger
	logger hclog.Logger
	store  *storage.EphemeralStorage

	coordination *coordination.Service
	broker       *broker.Broker
	admin        *client.AdminGateway

	coordinationEndpoint types.ClusterEndpoint
	brokerEndpoint       types.ClusterEndpoint

	state types.ProcessState
}

func NewClusterHarness(cfg *types.Configuration, logger hclog.Logger) *ClusterHarness {
	return &ClusterHarness{
		cfg:    cfg,
		root:   logger,
		logger: logger.Named("harness"),
		store:  storage.NewEphemeralStorage(logger.Named("storage")),
	}
}

// Setup starts the coordination service, then the broker, waits until the
// broker shows up in the coordination registry, and opens the admin
// gateway. The whole sequence runs under one startup timeout.
func (h *ClusterHarness) Setup(ctx context.Context) error {
	if h.state != types.StateNotStarted {
		panic("harness set up twice")
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StartupTimeout)
	defer cancel()

	if err := h.setup(ctx); err != nil {
		if terr := h.teardown(); terr != nil {
			h.logger.Error("rollback after failed setup", "error", terr)
		}
		h.state = types.StateStopped
		return err
	}
	h.state = types.StateReady
	h.logger.Info("cluster ready",
		"coordination", h.coordinationEndpoint.String(),
		"broker", h.brokerEndpoint.String())
	return nil
}

func (h *ClusterHarness) setup(ctx context.Context) error {
	h.coordination = coordination.NewService(h.cfg, h.root.Named("coordination"), h.store)
	coordinationEndpoint, err := h.coordination.Start(ctx)
	if err != nil {
		return err
	}
	h.coordinationEndpoint = coordinationEndpoint

	h.broker = broker.NewBroker(h.cfg, h.root.Named("broker"))
	brokerEndpoint, err := h.broker.Start(ctx, coordinationEndpoint)
	if err != nil {
		return err
	}
	h.brokerEndpoint = brokerEndpoint

	if err := h.coordination.WaitForBroker(ctx, h.broker.Name()); err != nil {
		return err
	}

	h.admin, err = client.NewAdminGateway(h.cfg, h.root.Named("admin"), brokerEndpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrProcessStart, err)
	}
	return nil
}

// Teardown stops everything in reverse start order and wipes the scratch
// directories. Safe to call more than once and after a failed Setup.
func (h *ClusterHarness) Teardown() error {
	if h.state != types.StateReady {
		return nil
	}
	h.state = types.StateShuttingDown
	h.logger.Info("tearing down")
	err := h.teardown()
	h.state = types.StateStopped
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrTeardown, err)
	}
	return nil
}

func (h *ClusterHarness) teardown() error {
	var errs *multierror.Error
	if h.admin != nil {
		h.admin.Close()
		h.admin = nil
	}
	if h.broker != nil {
		if err := h.broker.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
		h.broker = nil
	}
	if h.coordination != nil {
		if err := h.coordination.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
		h.coordination = nil
	}
	h.store.RemoveAll()
	return errs.ErrorOrNil()
}

// CoordinationEndpoint returns the coordination service address. Calling
// it outside Ready is a programming error.
func (h *ClusterHarness) CoordinationEndpoint() types.ClusterEndpoint {
	if h.state != types.StateReady {
		panic(fmt.Sprintf("coordination endpoint queried in state %s", h.state))
	}
	return h.coordinationEndpoint
}

// BrokerEndpoint returns the broker address. Calling it outside Ready is a
// programming error.
func (h *ClusterHarness) BrokerEndpoint() types.ClusterEndpoint {
	if h.state != types.StateReady {
		panic(fmt.Sprintf("broker endpoint queried in state %s", h.state))
	}
	return h.brokerEndpoint
}

// Admin returns the harness-owned admin gateway.
func (h *ClusterHarness) Admin() *client.AdminGateway {
	if h.state != types.StateReady {
		panic(fmt.Sprintf("admin queried in state %s", h.state))
	}
	return h.admin
}

func (h *ClusterHarness) Config() *types.Configuration { return h.cfg }

// DeleteTopic deletes the topic and waits until the broker stops listing
// it, plus a short grace period for in-flight state to drain.
func (h *ClusterHarness) DeleteTopic(ctx context.Context, name string) error {
	if err := h.Admin().DeleteTopic(ctx, name); err != nil {
		return err
	}
	return h.settleDeletion(ctx, name)
}

func (h *ClusterHarness) settleDeletion(ctx context.Context, name string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.cfg.SettleTimeout)
	defer cancel()
	for {
		exists, err := h.admin.TopicExists(ctx, name)
		if err != nil {
			return fmt.Errorf("could not settle deletion of %q: %w", name, err)
		}
		if !exists {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("topic %q still listed after %s: %w", name, h.cfg.SettleTimeout, ctx.Err())
		case <-time.After(h.cfg.SettlePollInterval):
		}
	}
	time.Sleep(h.cfg.SettleGrace)
	h.logger.Info("deletion settled", "topic", name, "took", time.Since(start))
	return nil
}
