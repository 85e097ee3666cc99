package probe

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/client"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/harness"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

var testHarness *harness.ClusterHarness

func TestMain(m *testing.M) {
	testHarness = harness.NewClusterHarness(types.DefaultConfiguration(), hclog.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err := testHarness.Setup(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harness setup: %v\n", err)
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := testHarness.Teardown(); err != nil {
		fmt.Fprintf(os.Stderr, "harness teardown: %v\n", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func runProbe(t *testing.T) *Report {
	t.Helper()
	p := NewDivergenceProbe(testHarness, hclog.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	report, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("probe run: %v", err)
	}
	return report
}

func TestRunReproducesDivergence(t *testing.T) {
	report := runProbe(t)

	observations := report.Observations()
	if len(observations) != 4 {
		t.Fatalf("expected 4 observations, got %d: %v", len(observations), observations)
	}
	want := int64(testHarness.Config().RecordCount)

	consumerBefore, ok := report.Observation(types.SourceConsumer, types.PhaseBeforeDeletion)
	if !ok || consumerBefore.Err != nil || consumerBefore.Offset != want {
		t.Fatalf("consumer before deletion: %+v", consumerBefore)
	}
	adminBefore, ok := report.Observation(types.SourceAdmin, types.PhaseBeforeDeletion)
	if !ok || adminBefore.Err != nil || adminBefore.Offset != want {
		t.Fatalf("admin before deletion: %+v", adminBefore)
	}

	consumerAfter, ok := report.Observation(types.SourceConsumer, types.PhaseAfterDeletion)
	if !ok || consumerAfter.Err != nil {
		t.Fatalf("consumer after deletion: %+v", consumerAfter)
	}
	if consumerAfter.Offset != 0 {
		t.Fatalf("consumer position after deletion = %d, want the stale 0", consumerAfter.Offset)
	}
	adminAfter, ok := report.Observation(types.SourceAdmin, types.PhaseAfterDeletion)
	if !ok || !client.IsUnknownTopic(adminAfter.Err) {
		t.Fatalf("admin after deletion: %+v", adminAfter)
	}

	if !report.Divergent() {
		t.Fatal("expected the divergence verdict")
	}
	if report.CaughtAdminErr() == nil {
		t.Fatal("expected a caught admin error")
	}
}

func TestRunIsRepeatable(t *testing.T) {
	first := runProbe(t)
	second := runProbe(t)
	if !first.Divergent() || !second.Divergent() {
		t.Fatalf("expected both runs divergent, got %v then %v", first.Divergent(), second.Divergent())
	}
}
