package smdtty

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/smd-tty/api"
)

const (
	// MaxDevices is the size of the device index space.
	MaxDevices = 37

	DSIndex       = 0
	LoopbackIndex = 36
)

// ChannelConfig binds a device index to a named channel on a remote edge.
type ChannelConfig struct {
	Index    int
	PortName string
	// DevName is the name the remote registers the channel under. Empty
	// means PortName.
	DevName string
	Edge    api.Edge
	// Loopback marks the device that needs the remote loopback service.
	Loopback bool
	// WaitRemoteReady makes activation wait for a ready report from the
	// channel's probe after allocation.
	WaitRemoteReady bool
	// OpenWait is the initial open_timeout in OpenWaitUnit.
	OpenWait uint32
}

func (c ChannelConfig) devName() string {
	if c.DevName == "" {
		return c.PortName
	}
	return c.DevName
}

// DefaultChannels returns the stock channel table.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Index: DSIndex, PortName: "DS", Edge: api.EdgeAppsModem},
		{Index: 1, PortName: "APPS_FM", Edge: api.EdgeAppsWCNSS},
		{Index: 2, PortName: "APPS_RIVA_BT_ACL", Edge: api.EdgeAppsWCNSS},
		{Index: 3, PortName: "APPS_RIVA_BT_CMD", Edge: api.EdgeAppsWCNSS},
		{Index: 4, PortName: "MBALBRIDGE", Edge: api.EdgeAppsModem},
		{Index: 5, PortName: "APPS_RIVA_ANT_CMD", Edge: api.EdgeAppsWCNSS},
		{Index: 6, PortName: "APPS_RIVA_ANT_DATA", Edge: api.EdgeAppsWCNSS},
		{Index: 7, PortName: "DATA1", Edge: api.EdgeAppsModem},
		{Index: 8, PortName: "DATA4", Edge: api.EdgeAppsModem},
		{Index: 11, PortName: "DATA11", Edge: api.EdgeAppsModem},
		{Index: 21, PortName: "DATA21", Edge: api.EdgeAppsModem},
		{Index: 27, PortName: "GPSNMEA", Edge: api.EdgeAppsModem},
		{Index: LoopbackIndex, PortName: "LOOPBACK", DevName: "LOOPBACK_TTY", Edge: api.EdgeAppsModem, Loopback: true},
	}
}

// Config is the driver configuration.
type Config struct {
	Channels []ChannelConfig

	// OpenWaitUnit is the duration of one open_timeout unit.
	OpenWaitUnit time.Duration
	// OpenAckTimeout bounds the wait for the remote to acknowledge an open.
	OpenAckTimeout time.Duration
	// ShutdownWait bounds the wait for a reopen-ready notification on close.
	ShutdownWait time.Duration
	// RemoteReadyWait bounds the wait of WaitRemoteReady channels.
	RemoteReadyWait time.Duration

	LoopbackReadyWait time.Duration
	LoopbackSettle    time.Duration
	LoopbackRearm     time.Duration

	RetryDelay time.Duration
	// MaxChunk caps the bytes moved by one pump iteration.
	MaxChunk        int
	WakeHintTimeout time.Duration

	// PoolSize is the number of workers running read pumps.
	PoolSize int

	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Meter      metric.Meter
}

func DefaultConfig() Config {
	return Config{
		Channels:          DefaultChannels(),
		OpenWaitUnit:      time.Second,
		OpenAckTimeout:    2 * time.Second,
		ShutdownWait:      20 * time.Second,
		RemoteReadyWait:   20 * time.Second,
		LoopbackReadyWait: 5 * time.Second,
		LoopbackSettle:    100 * time.Millisecond,
		LoopbackRearm:     time.Second,
		RetryDelay:        30 * time.Millisecond,
		MaxChunk:          2048,
		WakeHintTimeout:   500 * time.Millisecond,
		PoolSize:          8,
	}
}

func VerifyConfig(c Config) error {
	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Index < 0 || ch.Index >= MaxDevices {
			return fmt.Errorf("%w: index %d out of range", ErrInvalidConfig, ch.Index)
		}
		if seen[ch.Index] {
			return fmt.Errorf("%w: index %d configured twice", ErrInvalidConfig, ch.Index)
		}
		seen[ch.Index] = true
		if ch.PortName == "" {
			return fmt.Errorf("%w: index %d has no port name", ErrInvalidConfig, ch.Index)
		}
	}
	if c.OpenWaitUnit <= 0 || c.OpenAckTimeout <= 0 || c.ShutdownWait <= 0 || c.RemoteReadyWait <= 0 {
		return fmt.Errorf("%w: wait durations must be positive", ErrInvalidConfig)
	}
	if c.LoopbackReadyWait <= 0 || c.LoopbackSettle < 0 || c.LoopbackRearm <= 0 {
		return fmt.Errorf("%w: loopback durations", ErrInvalidConfig)
	}
	if c.RetryDelay <= 0 || c.WakeHintTimeout <= 0 {
		return fmt.Errorf("%w: retry delay and wake hint timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxChunk <= 0 {
		return fmt.Errorf("%w: max chunk %d", ErrInvalidConfig, c.MaxChunk)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size %d", ErrInvalidConfig, c.PoolSize)
	}
	return nil
}
