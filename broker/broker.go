package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/serf/serf"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/logging"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/utils"
)

const (
	brokerName = "broker-0"

	listenerDrainTimeout = 5 * time.Second
)

// Broker is the single embedded Kafka-protocol broker. It serves the client
// protocol through an in-process cluster and registers itself with the
// coordination service over serf.
type Broker struct {
	cfg    *types.Configuration
	logger hclog.Logger

	cluster *kfake.Cluster
	serf    *serf.Serf

	state    types.ProcessState
	endpoint types.ClusterEndpoint
}

func NewBroker(cfg *types.Configuration, logger hclog.Logger) *Broker {
	return &Broker{cfg: cfg, logger: logger}
}

// Name is the node name the broker registers under.
func (b *Broker) Name() string { return brokerName }

// Start brings the broker up and registers it with the coordination service.
// The returned endpoint is the resolved listen address; with a requested
// port of 0 the OS picks one.
func (b *Broker) Start(ctx context.Context, coordination types.ClusterEndpoint) (types.ClusterEndpoint, error) {
	if b.state != types.StateNotStarted {
		panic("broker started twice")
	}
	endpoint, err := b.start(ctx, coordination)
	if err != nil {
		b.shutdown()
		b.state = types.StateStopped
		return types.ClusterEndpoint{}, fmt.Errorf("%w: broker: %w", types.ErrProcessStart, err)
	}
	b.endpoint = endpoint
	b.state = types.StateReady
	b.logger.Info("broker ready", "endpoint", endpoint.String(), "coordination", coordination.String())
	return endpoint, nil
}

func (b *Broker) start(ctx context.Context, coordination types.ClusterEndpoint) (types.ClusterEndpoint, error) {
	// one broker and one default partition pin every topic, including the
	// internal bookkeeping ones, to a single partition and replica
	opts := []kfake.Opt{
		kfake.NumBrokers(1),
		kfake.DefaultNumPartitions(1),
		kfake.AllowAutoTopicCreation(),
		kfake.ClusterID("kafka-consumer-vs-admin"),
		kfake.WithLogger(logging.Kfake{L: b.logger.Named("kfake")}),
	}
	if b.cfg.BrokerPort != 0 {
		opts = append(opts, kfake.Ports(b.cfg.BrokerPort))
	}
	if len(b.cfg.BrokerConfigs) > 0 {
		opts = append(opts, kfake.BrokerConfigs(b.cfg.BrokerConfigs))
	}
	if b.cfg.BrokerVersion != "" {
		versions := kversion.FromString(b.cfg.BrokerVersion)
		if versions == nil {
			return types.ClusterEndpoint{}, fmt.Errorf("unknown broker version %q, valid versions: %v", b.cfg.BrokerVersion, kversion.VersionStrings())
		}
		opts = append(opts, kfake.MaxVersions(versions))
	}

	cluster, err := kfake.NewCluster(opts...)
	if err != nil {
		return types.ClusterEndpoint{}, fmt.Errorf("could not start cluster: %w", err)
	}
	b.cluster = cluster

	addrs := cluster.ListenAddrs()
	if len(addrs) == 0 {
		return types.ClusterEndpoint{}, fmt.Errorf("cluster reported no listen address")
	}
	endpoint, err := types.ParseEndpoint(addrs[0])
	if err != nil {
		return types.ClusterEndpoint{}, err
	}

	if err := b.ping(ctx, endpoint); err != nil {
		return types.ClusterEndpoint{}, fmt.Errorf("broker not reachable at %s: %w", endpoint, err)
	}
	if err := b.register(endpoint, coordination); err != nil {
		return types.ClusterEndpoint{}, fmt.Errorf("could not register with coordination service: %w", err)
	}
	return endpoint, nil
}

// ping verifies the listener actually serves the client protocol before the
// broker is reported ready.
func (b *Broker) ping(ctx context.Context, endpoint types.ClusterEndpoint) error {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(endpoint.String()),
		kgo.WithLogger(logging.Kgo{L: b.logger.Named("ping")}),
	)
	if err != nil {
		return err
	}
	defer cl.Close()
	return cl.Ping(ctx)
}

// register joins the coordination service's serf cluster with tags carrying
// the resolved broker address.
func (b *Broker) register(endpoint, coordination types.ClusterEndpoint) error {
	conf := serf.DefaultConfig()
	conf.Init()
	conf.NodeName = brokerName
	conf.MemberlistConfig.BindAddr = b.cfg.BrokerHost
	conf.MemberlistConfig.BindPort = 0
	conf.Tags["role"] = "broker"
	conf.Tags["broker_addr"] = endpoint.String()

	stdLogger := b.logger.Named("serf").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
	conf.Logger = stdLogger
	conf.MemberlistConfig.Logger = stdLogger

	agent, err := serf.Create(conf)
	if err != nil {
		return err
	}
	b.serf = agent

	n, err := agent.Join([]string{coordination.String()}, true)
	if err != nil {
		return fmt.Errorf("serf join %s: %w", coordination, err)
	}
	b.logger.Debug("joined coordination cluster", "contacted", n, "members", len(agent.Members()))
	return nil
}

// Endpoint returns the resolved listen address. Calling it outside Ready is
// a programming error.
func (b *Broker) Endpoint() types.ClusterEndpoint {
	if b.state != types.StateReady {
		panic(fmt.Sprintf("broker endpoint queried in state %s", b.state))
	}
	return b.endpoint
}

// Stop signals shutdown and blocks until the listener stops accepting
// connections. A listener that hangs past the drain timeout is surfaced as a
// teardown failure, not swallowed. Idempotent.
func (b *Broker) Stop() error {
	if b.state != types.StateReady {
		return nil
	}
	b.state = types.StateShuttingDown
	b.logger.Info("broker shutting down")
	err := b.shutdown()
	b.state = types.StateStopped
	return err
}

func (b *Broker) shutdown() error {
	var errs *multierror.Error
	if b.serf != nil {
		if err := b.serf.Leave(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("serf leave: %w", err))
		}
		if err := b.serf.Shutdown(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("serf shutdown: %w", err))
		}
		b.serf = nil
	}
	if b.cluster != nil {
		b.cluster.Close()
		b.cluster = nil
		if b.endpoint.Port != 0 && !utils.PortClosed(b.endpoint.String(), listenerDrainTimeout) {
			errs = multierror.Append(errs, fmt.Errorf("listener at %s still accepting connections after close", b.endpoint))
		}
	}
	return errs.ErrorOrNil()
}
