package types

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// ClusterEndpoint is the resolved host:port of a started process. It is
// written once after the process binds and read-only afterwards.
type ClusterEndpoint struct {
	Host string
	Port int
}

func (e ClusterEndpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint splits a host:port string into a ClusterEndpoint.
func ParseEndpoint(addr string) (ClusterEndpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ClusterEndpoint{}, fmt.Errorf("could not parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ClusterEndpoint{}, fmt.Errorf("could not parse endpoint port %q: %w", portStr, err)
	}
	return ClusterEndpoint{Host: host, Port: port}, nil
}

// Topic is a topic the harness creates and later deletes. The harness is
// deliberately narrow: one partition, one replica, always.
type Topic struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// NewTopic returns a single-partition topic whose name is unique within and
// across runs.
func NewTopic(prefix string) Topic {
	return Topic{
		Name:              fmt.Sprintf("%s-%s", prefix, uuid.NewString()),
		Partitions:        1,
		ReplicationFactor: 1,
	}
}

// PartitionRef identifies one partition of one topic. Always partition 0
// here; it is the key for offset queries.
type PartitionRef struct {
	Topic     string
	Partition int32
}

func (p PartitionRef) String() string {
	return fmt.Sprintf("%s[%d]", p.Topic, p.Partition)
}

// ObservationSource says which client path produced an offset observation.
type ObservationSource string

// ObservationPhase says where in the topic lifecycle an observation was taken.
type ObservationPhase string

const (
	SourceConsumer ObservationSource = "consumer"
	SourceAdmin    ObservationSource = "admin"

	PhaseBeforeDeletion ObservationPhase = "before-deletion"
	PhaseAfterDeletion  ObservationPhase = "after-deletion"
)

// OffsetObservation is one end-offset reading, immutable once recorded.
// Offset is meaningful only when Err is nil.
type OffsetObservation struct {
	Partition PartitionRef
	Source    ObservationSource
	Phase     ObservationPhase
	Offset    int64
	Err       error
}

func (o OffsetObservation) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s/%s %s: error: %v", o.Source, o.Phase, o.Partition, o.Err)
	}
	return fmt.Sprintf("%s/%s %s: offset %d", o.Source, o.Phase, o.Partition, o.Offset)
}

// ProcessState is the lifecycle state of a managed process. Transitions are
// strictly linear: NotStarted -> Ready -> ShuttingDown -> Stopped. Querying
// a process's endpoint outside Ready is a programming error and panics.
type ProcessState int

const (
	StateNotStarted ProcessState = iota
	StateReady
	StateShuttingDown
	StateStopped
)

func (s ProcessState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("unknown-state-%d", int(s))
}
