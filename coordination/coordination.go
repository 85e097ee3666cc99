package coordination

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/storage"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

const (
	// serfEventChSize is the size of the buffered channel to get Serf
	// events. If this is exhausted we will block Serf and Memberlist.
	serfEventChSize = 2048

	raftApplyTimeout = 10 * time.Second
	registryPollTick = 50 * time.Millisecond
)

const nodeName = "coordination-0"

// Service is the embedded metadata-and-membership process: a single-node
// raft holding the broker registry, fronted by a serf agent that brokers
// join to register. The serf address is the service's endpoint.
type Service struct {
	cfg     *types.Configuration
	logger  hclog.Logger
	storage *storage.EphemeralStorage

	fsm  *FSM
	raft *hraft.Raft
	serf *serf.Serf

	boltStore   *raftboltdb.BoltStore
	logDir      string // raft log store (bolt)
	snapshotDir string // raft snapshot store
	raftAddr    string

	raftNotifyCh <-chan bool // reliable leader transition notifications from the raft layer
	serfEventCh  chan serf.Event
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	state    types.ProcessState
	endpoint types.ClusterEndpoint
}

func NewService(cfg *types.Configuration, logger hclog.Logger, store *storage.EphemeralStorage) *Service {
	return &Service{
		cfg:         cfg,
		logger:      logger,
		storage:     store,
		fsm:         NewFSM(),
		serfEventCh: make(chan serf.Event, serfEventChSize),
		shutdownCh:  make(chan struct{}),
	}
}

// Start brings the service up and returns its resolved endpoint. A requested
// port of 0 means the OS chooses one; callers must use the returned endpoint,
// never the requested one.
func (s *Service) Start(ctx context.Context) (types.ClusterEndpoint, error) {
	if s.state != types.StateNotStarted {
		panic("coordination service started twice")
	}
	endpoint, err := s.start(ctx)
	if err != nil {
		s.shutdown()
		s.removeDirs()
		s.state = types.StateStopped
		return types.ClusterEndpoint{}, fmt.Errorf("%w: coordination service: %w", types.ErrProcessStart, err)
	}
	s.endpoint = endpoint
	s.state = types.StateReady
	s.logger.Info("coordination service ready",
		"endpoint", endpoint.String(), "log_dir", s.logDir, "snapshot_dir", s.snapshotDir)
	return endpoint, nil
}

func (s *Service) start(ctx context.Context) (types.ClusterEndpoint, error) {
	var err error
	if s.logDir, err = s.storage.TempDir("coordination-log-*"); err != nil {
		return types.ClusterEndpoint{}, err
	}
	if s.snapshotDir, err = s.storage.TempDir("coordination-snapshot-*"); err != nil {
		return types.ClusterEndpoint{}, err
	}
	if err = s.setupRaft(); err != nil {
		return types.ClusterEndpoint{}, fmt.Errorf("raft setup: %w", err)
	}
	if err = s.waitForLeadership(ctx); err != nil {
		return types.ClusterEndpoint{}, err
	}
	endpoint, err := s.setupSerf()
	if err != nil {
		return types.ClusterEndpoint{}, fmt.Errorf("serf setup: %w", err)
	}
	go s.membershipLoop()
	return endpoint, nil
}

func (s *Service) setupRaft() error {
	store, err := raftboltdb.NewBoltStore(filepath.Join(s.logDir, "bolt"))
	if err != nil {
		return fmt.Errorf("could not create bolt store: %w", err)
	}
	s.boltStore = store

	snapshots, err := hraft.NewFileSnapshotStoreWithLogger(s.snapshotDir, 2, s.logger.Named("snapshot"))
	if err != nil {
		return fmt.Errorf("could not create snapshot store: %w", err)
	}

	// the raft transport is internal to the service, its port is always
	// dynamic; brokers register through serf, not through raft
	transport, err := hraft.NewTCPTransportWithLogger(net.JoinHostPort(s.cfg.CoordinationHost, "0"), nil, 10, 10*time.Second, s.logger.Named("raft-transport"))
	if err != nil {
		return fmt.Errorf("could not create tcp transport: %w", err)
	}
	s.raftAddr = string(transport.LocalAddr())

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(nodeName)
	raftCfg.Logger = s.logger.Named("raft")

	// Set up a channel for reliable leader notifications.
	raftNotifyCh := make(chan bool, 1)
	raftCfg.NotifyCh = raftNotifyCh
	s.raftNotifyCh = raftNotifyCh

	s.raft, err = hraft.NewRaft(raftCfg, s.fsm, store, store, snapshots, transport)
	if err != nil {
		return fmt.Errorf("could not create raft instance: %w", err)
	}

	hasState, err := hraft.HasExistingState(store, store, snapshots)
	if err != nil {
		return err
	}
	if !hasState {
		s.logger.Debug("bootstrapping raft", "node", nodeName, "addr", string(transport.LocalAddr()))
		future := s.raft.BootstrapCluster(hraft.Configuration{
			Servers: []hraft.Server{
				{
					ID:      hraft.ServerID(nodeName),
					Address: transport.LocalAddr(),
				},
			},
		})
		if err := future.Error(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
	}
	return nil
}

func (s *Service) waitForLeadership(ctx context.Context) error {
	for {
		select {
		case isLeader := <-s.raftNotifyCh:
			if isLeader {
				s.logger.Debug("raft leadership acquired")
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft leadership: %w", ctx.Err())
		}
	}
}

func (s *Service) setupSerf() (types.ClusterEndpoint, error) {
	conf := serf.DefaultConfig()
	conf.Init()
	conf.NodeName = nodeName
	conf.MemberlistConfig.BindAddr = s.cfg.CoordinationHost
	conf.MemberlistConfig.BindPort = s.cfg.CoordinationPort
	conf.Tags["role"] = "coordinator"
	conf.Tags["raft_addr"] = s.raftAddr
	conf.EventCh = s.serfEventCh
	conf.SnapshotPath = filepath.Join(s.snapshotDir, "serf-snapshot")

	stdLogger := s.logger.Named("serf").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
	conf.Logger = stdLogger
	conf.MemberlistConfig.Logger = stdLogger

	var err error
	s.serf, err = serf.Create(conf)
	if err != nil {
		return types.ClusterEndpoint{}, err
	}
	local := s.serf.LocalMember()
	return types.ClusterEndpoint{Host: s.cfg.CoordinationHost, Port: int(local.Port)}, nil
}

// membershipLoop turns serf membership changes into raft registry commands.
func (s *Service) membershipLoop() {
	for {
		select {
		case e := <-s.serfEventCh:
			switch e.EventType() {
			case serf.EventMemberJoin:
				s.handleMemberJoin(e.(serf.MemberEvent))
			case serf.EventMemberReap, serf.EventMemberLeave, serf.EventMemberFailed:
				s.handleMemberLeft(e.(serf.MemberEvent))
			}
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Service) handleMemberJoin(event serf.MemberEvent) {
	for _, m := range event.Members {
		if m.Tags["role"] != "broker" {
			s.logger.Debug("new member is not a broker, ignoring join", "name", m.Name)
			continue
		}
		reg := BrokerRegistration{Name: m.Name, Addr: m.Tags["broker_addr"]}
		if _, err := s.appendLogEntry(RegisterBroker, reg); err != nil {
			s.logger.Error("could not register broker", "name", m.Name, "error", err)
			continue
		}
		s.logger.Info("broker registered", "name", reg.Name, "addr", reg.Addr)
	}
}

func (s *Service) handleMemberLeft(event serf.MemberEvent) {
	for _, m := range event.Members {
		if m.Tags["role"] != "broker" {
			continue
		}
		if _, err := s.appendLogEntry(DeregisterBroker, BrokerRegistration{Name: m.Name}); err != nil {
			s.logger.Error("could not deregister broker", "name", m.Name, "error", err)
			continue
		}
		s.logger.Info("broker deregistered", "name", m.Name)
	}
}

// appendLogEntry adds a new entry to the raft log.
func (s *Service) appendLogEntry(kind CommandType, entry any) (any, error) {
	b, err := EncodeLogEntry(kind, entry)
	if err != nil {
		return nil, err
	}
	future := s.raft.Apply(b, raftApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Response(), nil
}

// IsLeader reports whether this node currently leads the raft cluster. With
// a single node it is true for the whole Ready window.
func (s *Service) IsLeader() bool {
	return s.raft != nil && s.raft.State() == hraft.Leader
}

// Brokers lists the registrations currently in the registry.
func (s *Service) Brokers() []BrokerRegistration {
	return s.fsm.Brokers()
}

// WaitForBroker blocks until a broker registration under name is visible in
// the registry, or ctx expires.
func (s *Service) WaitForBroker(ctx context.Context, name string) error {
	ticker := time.NewTicker(registryPollTick)
	defer ticker.Stop()
	for {
		if _, ok := s.fsm.Broker(name); ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: broker %q not registered: %w", types.ErrProcessStart, name, ctx.Err())
		}
	}
}

// Endpoint returns the serf address brokers register against. Calling it
// outside Ready is a programming error.
func (s *Service) Endpoint() types.ClusterEndpoint {
	if s.state != types.StateReady {
		panic(fmt.Sprintf("coordination endpoint queried in state %s", s.state))
	}
	return s.endpoint
}

// Stop shuts the service down and best-effort removes both of its
// directories. Idempotent: stopping a service that is not Ready is a no-op.
func (s *Service) Stop() error {
	if s.state != types.StateReady {
		return nil
	}
	s.state = types.StateShuttingDown
	s.logger.Info("coordination service shutting down")
	err := s.shutdown()
	s.removeDirs()
	s.state = types.StateStopped
	return err
}

func (s *Service) removeDirs() {
	if s.logDir != "" {
		s.storage.Remove(s.logDir)
	}
	if s.snapshotDir != "" {
		s.storage.Remove(s.snapshotDir)
	}
}

// shutdown stops whatever subset of the stack is up, attempting every step
// and aggregating failures.
func (s *Service) shutdown() error {
	var errs *multierror.Error
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	if s.serf != nil {
		if err := s.serf.Leave(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("serf leave: %w", err))
		}
		if err := s.serf.Shutdown(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("serf shutdown: %w", err))
		}
		s.serf = nil
	}
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("raft shutdown: %w", err))
		}
		s.raft = nil
	}
	if s.boltStore != nil {
		if err := s.boltStore.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("bolt store close: %w", err))
		}
		s.boltStore = nil
	}
	return errs.ErrorOrNil()
}
