package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/coordination"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/storage"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/utils"
)

func startCoordination(t *testing.T) (*coordination.Service, types.ClusterEndpoint) {
	t.Helper()
	cfg := types.DefaultConfiguration()
	store := storage.NewEphemeralStorage(hclog.NewNullLogger())
	t.Cleanup(func() { store.RemoveAll() })

	svc := coordination.NewService(cfg, hclog.NewNullLogger(), store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	endpoint, err := svc.Start(ctx)
	if err != nil {
		t.Fatalf("coordination start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc, endpoint
}

func TestStartServesAndRegisters(t *testing.T) {
	svc, coordEndpoint := startCoordination(t)

	b := NewBroker(types.DefaultConfiguration(), hclog.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	endpoint, err := b.Start(ctx, coordEndpoint)
	if err != nil {
		t.Fatalf("broker start: %v", err)
	}
	defer b.Stop()

	if endpoint.Port == 0 {
		t.Fatalf("expected a resolved port, got %v", endpoint)
	}
	if got := b.Endpoint(); got != endpoint {
		t.Fatalf("Endpoint() = %v, Start returned %v", got, endpoint)
	}

	conn, err := net.DialTimeout("tcp", endpoint.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("broker not accepting connections: %v", err)
	}
	conn.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if err := svc.WaitForBroker(waitCtx, b.Name()); err != nil {
		t.Fatalf("broker never registered: %v", err)
	}
	brokers := svc.Brokers()
	if len(brokers) != 1 {
		t.Fatalf("expected 1 registered broker, got %v", brokers)
	}
	if brokers[0].Name != b.Name() || brokers[0].Addr != endpoint.String() {
		t.Fatalf("registration mismatch: %+v", brokers[0])
	}
}

func TestStopClosesListener(t *testing.T) {
	_, coordEndpoint := startCoordination(t)

	b := NewBroker(types.DefaultConfiguration(), hclog.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	endpoint, err := b.Start(ctx, coordEndpoint)
	if err != nil {
		t.Fatalf("broker start: %v", err)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !utils.PortClosed(endpoint.String(), 5*time.Second) {
		t.Fatalf("listener at %s still accepting after stop", endpoint)
	}
	// second stop is a no-op
	if err := b.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestEndpointPanicsBeforeStart(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewBroker(types.DefaultConfiguration(), hclog.NewNullLogger()).Endpoint()
}

func TestStartRejectsUnknownVersion(t *testing.T) {
	_, coordEndpoint := startCoordination(t)

	cfg := types.DefaultConfiguration()
	cfg.BrokerVersion = "not-a-version"
	b := NewBroker(cfg, hclog.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.Start(ctx, coordEndpoint); err == nil {
		t.Fatal("expected start to fail for unknown version")
	}
}
