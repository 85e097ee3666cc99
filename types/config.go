package types

import "time"

// Configuration holds every knob of a harness run. Processes receive it by
// pointer from the harness; nothing reads it from package-level state.
type Configuration struct {
	CoordinationHost string
	CoordinationPort int // 0 lets the OS choose
	BrokerHost       string
	BrokerPort       int // 0 lets the OS choose

	// BrokerVersion pins the Kafka version the embedded broker emulates,
	// empty for the latest supported. BrokerConfigs are config entries
	// the broker serves back on describe.
	BrokerVersion string
	BrokerConfigs map[string]string

	ConsumerTopicPrefix string
	AdminTopicPrefix    string
	RecordCount         int // records published per topic

	StartupTimeout     time.Duration
	AckTimeout         time.Duration
	SettleTimeout      time.Duration
	SettlePollInterval time.Duration
	SettleGrace        time.Duration

	LogLevel string
}

// DefaultConfiguration returns the configuration a plain run uses.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		CoordinationHost:    "127.0.0.1",
		BrokerHost:          "127.0.0.1",
		ConsumerTopicPrefix: "consumer-observed",
		AdminTopicPrefix:    "admin-observed",
		RecordCount:         20,
		StartupTimeout:      30 * time.Second,
		AckTimeout:          30 * time.Second,
		SettleTimeout:       10 * time.Second,
		SettlePollInterval:  100 * time.Millisecond,
		SettleGrace:         250 * time.Millisecond,
		LogLevel:            "info",
	}
}
