package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// CommandType is a raft log command type.
type CommandType int

// Command types that can be applied to the raft log to change the broker
// registry.
const (
	RegisterBroker CommandType = iota
	DeregisterBroker
)

// Command represents a command type with its payload.
type Command struct {
	Kind    CommandType
	Payload json.RawMessage
}

// EncodeLogEntry converts a raft log entry into bytes.
func EncodeLogEntry(kind CommandType, entry any) ([]byte, error) {
	cmd := Command{Kind: kind}
	var err error
	cmd.Payload, err = json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

// BrokerRegistration is the metadata a broker publishes when it joins the
// coordination service.
type BrokerRegistration struct {
	Name string
	Addr string
}

// FSM is the finite-state-machine of the raft log: the registry of live
// brokers.
type FSM struct {
	mu      sync.RWMutex
	brokers map[string]BrokerRegistration
}

func NewFSM() *FSM {
	return &FSM{brokers: make(map[string]BrokerRegistration)}
}

// Apply applies a raft.Log to the FSM.
func (f *FSM) Apply(l *raft.Log) any {
	switch l.Type {
	case raft.LogCommand:
		var cmd Command
		if err := json.Unmarshal(l.Data, &cmd); err != nil {
			return fmt.Errorf("could not parse command: %w", err)
		}
		return f.applyCommand(cmd)
	default:
		return fmt.Errorf("unknown raft log type: %#v", l.Type)
	}
}

func (f *FSM) applyCommand(cmd Command) error {
	switch cmd.Kind {
	case RegisterBroker:
		var reg BrokerRegistration
		if err := json.Unmarshal(cmd.Payload, &reg); err != nil {
			return fmt.Errorf("could not parse registration: %w", err)
		}
		f.storeBroker(reg)
	case DeregisterBroker:
		var reg BrokerRegistration
		if err := json.Unmarshal(cmd.Payload, &reg); err != nil {
			return fmt.Errorf("could not parse deregistration: %w", err)
		}
		f.removeBroker(reg.Name)
	default:
		return fmt.Errorf("unknown command type: %#v", cmd.Kind)
	}
	return nil
}

func (f *FSM) storeBroker(reg BrokerRegistration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokers[reg.Name] = reg
}

func (f *FSM) removeBroker(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.brokers, name)
}

// Broker retrieves one registration by broker name.
func (f *FSM) Broker(name string) (BrokerRegistration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reg, exists := f.brokers[name]
	return reg, exists
}

// Brokers lists every live registration.
func (f *FSM) Brokers() []BrokerRegistration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	regs := make([]BrokerRegistration, 0, len(f.brokers))
	for _, reg := range f.brokers {
		regs = append(regs, reg)
	}
	return regs
}

// Snapshot captures the registry as a stream of register commands.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return fsmSnapshot{regs: f.Brokers()}, nil
}

// Restore rebuilds the registry from a snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	decoder := json.NewDecoder(rc)
	for decoder.More() {
		var cmd Command
		if err := decoder.Decode(&cmd); err != nil {
			return fmt.Errorf("could not decode entry during restore: %w", err)
		}
		if err := f.applyCommand(cmd); err != nil {
			return err
		}
	}
	return rc.Close()
}

type fsmSnapshot struct {
	regs []BrokerRegistration
}

func (s fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	encoder := json.NewEncoder(sink)
	for _, reg := range s.regs {
		payload, err := json.Marshal(reg)
		if err != nil {
			sink.Cancel()
			return err
		}
		if err := encoder.Encode(Command{Kind: RegisterBroker, Payload: payload}); err != nil {
			sink.Cancel()
			return err
		}
	}
	return sink.Close()
}

func (s fsmSnapshot) Release() {}
