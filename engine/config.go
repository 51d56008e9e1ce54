// File: engine/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/evnet/transport"
)

// Defaults applied by Config.withDefaults.
const (
	// DefaultPollInterval bounds the poller wait so periodic timer work
	// runs even with no socket activity.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultSendWatermark is the buffered-unsent byte count above which
	// Send reports Busy instead of growing the buffer.
	DefaultSendWatermark = 4 << 20 // 4 MiB

	// DefaultCommandBacklog sizes the application-to-loop hand-off queue.
	DefaultCommandBacklog = 1024

	// DefaultScratchSize sizes the loop's read scratch buffer. It must
	// hold the largest single read unit of any transport (a full UDP
	// datagram fits).
	DefaultScratchSize = 1 << 16
)

// Config tunes one engine instance. The zero value is usable.
type Config struct {
	// Logger receives engine lifecycle and error logs. Defaults to a nop
	// logger.
	Logger *zap.Logger

	// Clock supplies time for tick work, injectable in tests. Defaults to
	// the real clock.
	Clock clock.Clock

	// Transports lists the transports this engine will drive; all of them
	// must be mounted in the registry handed to New. Defaults to every
	// declared transport.
	Transports []transport.Transport

	// PollInterval bounds each poller wait.
	PollInterval time.Duration

	// TickInterval is the minimum spacing of OnTick calls. Defaults to
	// PollInterval.
	TickInterval time.Duration

	// OnTick, when set, runs on the loop thread at TickInterval spacing.
	// It must not block.
	OnTick func(now time.Time)

	// SendWatermark is the per-endpoint Busy threshold in bytes.
	SendWatermark int64

	// CommandBacklog sizes the send/close hand-off channel.
	CommandBacklog int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if len(c.Transports) == 0 {
		c.Transports = transport.All()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = c.PollInterval
	}
	if c.SendWatermark <= 0 {
		c.SendWatermark = DefaultSendWatermark
	}
	if c.CommandBacklog <= 0 {
		c.CommandBacklog = DefaultCommandBacklog
	}
	return c
}
