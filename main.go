package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/harness"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/logging"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/probe"
	"github.com/gaborgsomogyi/kafka-consumer-vs-admin/types"
)

var defaults = types.DefaultConfiguration()

var (
	flagRecords          int
	flagLogLevel         string
	flagCoordinationPort int
	flagBrokerPort       int
	flagBrokerVersion    string
	flagBrokerConfigs    []string
	flagSettleTimeout    time.Duration
	flagAckTimeout       time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kafka-consumer-vs-admin",
	Short: "Reproduces the consumer vs admin offset divergence after topic deletion",
	Long: `kafka-consumer-vs-admin spins up a disposable single-broker cluster,
publishes records to two topics, deletes them, and reads the end offsets
back through two independent client paths. The streaming consumer quietly
resolves offset 0 for a deleted topic while the admin client reports it
unknown; the report shows both views side by side.

The run exits 0 when the whole scenario completed, including teardown,
whatever the verdict.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&flagRecords, "records", defaults.RecordCount, "records published to each topic")
	f.StringVar(&flagLogLevel, "log-level", defaults.LogLevel, "trace, debug, info, warn or error")
	f.IntVar(&flagCoordinationPort, "coordination-port", defaults.CoordinationPort, "coordination port, 0 picks a free one")
	f.IntVar(&flagBrokerPort, "broker-port", defaults.BrokerPort, "broker listen port, 0 picks a free one")
	f.StringVar(&flagBrokerVersion, "broker-version", "", "Kafka version the broker emulates, empty for the latest")
	f.StringArrayVar(&flagBrokerConfigs, "broker-config", nil, "broker config key=value, repeatable")
	f.DurationVar(&flagSettleTimeout, "settle-timeout", defaults.SettleTimeout, "max wait for a topic deletion to settle")
	f.DurationVar(&flagAckTimeout, "ack-timeout", defaults.AckTimeout, "max wait for producer acknowledgments")
}

func buildConfig() (*types.Configuration, error) {
	if flagRecords <= 0 {
		return nil, fmt.Errorf("records must be positive, got %d", flagRecords)
	}
	cfg := types.DefaultConfiguration()
	cfg.RecordCount = flagRecords
	cfg.LogLevel = flagLogLevel
	cfg.CoordinationPort = flagCoordinationPort
	cfg.BrokerPort = flagBrokerPort
	cfg.BrokerVersion = flagBrokerVersion
	cfg.SettleTimeout = flagSettleTimeout
	cfg.AckTimeout = flagAckTimeout
	for _, entry := range flagBrokerConfigs {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", entry)
		}
		if cfg.BrokerConfigs == nil {
			cfg.BrokerConfigs = make(map[string]string)
		}
		cfg.BrokerConfigs[k] = v
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel)

	h := harness.NewClusterHarness(cfg, logger)
	if err := h.Setup(ctx); err != nil {
		return err
	}
	// safety net for panics; the explicit call below does the real work
	defer h.Teardown()

	report, runErr := probe.NewDivergenceProbe(h, logger).Run(ctx)
	report.Render(os.Stdout)

	teardownErr := h.Teardown()
	if runErr != nil {
		return runErr
	}
	return teardownErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
