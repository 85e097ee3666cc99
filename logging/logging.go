package logging

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// New returns the root logger for a harness run. Component loggers hang off
// it via Named; the raft layer consumes it directly and serf goes through
// StandardLogger.
func New(level string) hclog.Logger {
	parsed := hclog.LevelFromString(level)
	if parsed == hclog.NoLevel {
		parsed = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "kafka-consumer-vs-admin",
		Level: parsed,
	})
}

// Kgo adapts an hclog.Logger to the kgo.Logger interface so client internals
// log through the same sink as everything else.
type Kgo struct {
	L hclog.Logger
}

func (k Kgo) Level() kgo.LogLevel {
	switch {
	case k.L.IsDebug():
		return kgo.LogLevelDebug
	case k.L.IsInfo():
		return kgo.LogLevelInfo
	case k.L.IsWarn():
		return kgo.LogLevelWarn
	case k.L.IsError():
		return kgo.LogLevelError
	}
	return kgo.LogLevelNone
}

func (k Kgo) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelDebug:
		k.L.Debug(msg, keyvals...)
	case kgo.LogLevelInfo:
		k.L.Info(msg, keyvals...)
	case kgo.LogLevelWarn:
		k.L.Warn(msg, keyvals...)
	case kgo.LogLevelError:
		k.L.Error(msg, keyvals...)
	}
}

// Kfake adapts an hclog.Logger to the embedded cluster's Logf interface.
type Kfake struct {
	L hclog.Logger
}

func (k Kfake) Logf(level kfake.LogLevel, msg string, args ...any) {
	switch level {
	case kfake.LogLevelDebug:
		k.L.Debug(fmt.Sprintf(msg, args...))
	case kfake.LogLevelInfo:
		k.L.Info(fmt.Sprintf(msg, args...))
	case kfake.LogLevelWarn:
		k.L.Warn(fmt.Sprintf(msg, args...))
	case kfake.LogLevelError:
		k.L.Error(fmt.Sprintf(msg, args...))
	}
}
