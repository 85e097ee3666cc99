package types

import (
	"strings"
	"testing"
)

func TestEndpointRoundTrip(t *testing.T) {
	e := ClusterEndpoint{Host: "127.0.0.1", Port: 19092}
	if e.String() != "127.0.0.1:19092" {
		t.Errorf("expected 127.0.0.1:19092, got %s", e.String())
	}
	parsed, err := ParseEndpoint(e.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != e {
		t.Errorf("expected %v, got %v", e, parsed)
	}
}

func TestParseEndpointRejectsGarbage(t *testing.T) {
	for _, addr := range []string{"", "no-port", "host:notanumber"} {
		if _, err := ParseEndpoint(addr); err == nil {
			t.Errorf("expected an error for %q", addr)
		}
	}
}

func TestTopicNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		topic := NewTopic("consumer-observed")
		if !strings.HasPrefix(topic.Name, "consumer-observed-") {
			t.Fatalf("expected prefix consumer-observed-, got %s", topic.Name)
		}
		if seen[topic.Name] {
			t.Fatalf("duplicate topic name %s", topic.Name)
		}
		seen[topic.Name] = true
		if topic.Partitions != 1 || topic.ReplicationFactor != 1 {
			t.Errorf("expected 1 partition and 1 replica, got %d/%d", topic.Partitions, topic.ReplicationFactor)
		}
	}
}

func TestObservationString(t *testing.T) {
	ref := PartitionRef{Topic: "t1", Partition: 0}
	obs := OffsetObservation{Partition: ref, Source: SourceAdmin, Phase: PhaseBeforeDeletion, Offset: 20}
	if got := obs.String(); got != "admin/before-deletion t1[0]: offset 20" {
		t.Errorf("unexpected observation string: %s", got)
	}
	obs = OffsetObservation{Partition: ref, Source: SourceAdmin, Phase: PhaseAfterDeletion, Err: ErrTopicCreate}
	if got := obs.String(); !strings.Contains(got, "error:") {
		t.Errorf("expected the error form, got %s", got)
	}
}

func TestProcessStateString(t *testing.T) {
	states := map[ProcessState]string{
		StateNotStarted:   "not-started",
		StateReady:        "ready",
		StateShuttingDown: "shutting-down",
		StateStopped:      "stopped",
	}
	for state, expected := range states {
		if state.String() != expected {
			t.Errorf("expected %s, got %s", expected, state.String())
		}
	}
}
