package config

import (
	"time"

	"github.com/framecast-project/framecast/internal/effects"
	"github.com/framecast-project/framecast/internal/frame"
	"github.com/framecast-project/framecast/internal/network"
	"github.com/framecast-project/framecast/internal/scene"
)

func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// FrameOptions maps the encoding section onto frame encoder options.
func (e EncodingConfig) FrameOptions() frame.Options {
	return frame.Options{
		BoxWidth:         e.BoxWidth,
		BoxHeight:        e.BoxHeight,
		MaxPayload:       e.MaxPayload,
		UseBoxes:         e.UseBoxes,
		Delta:            e.Delta,
		Interlaced:       e.Interlaced,
		HighCompression:  e.HighCompression,
		FramesToRemember: e.FramesToRemember,
	}
}

// EffectLimits returns the per-message event caps.
func (e EncodingConfig) EffectLimits() effects.Limits {
	return effects.Limits{
		PostEffects: e.PostEffectsPerMessage,
		Sounds:      e.SoundEventsPerMessage,
		Music:       e.MusicEventsPerMessage,
	}
}

// FrameInterval is the target period of a client send loop.
func (e EncodingConfig) FrameInterval() time.Duration {
	if e.FPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(e.FPS)
}

// FixedSleep is the optional sleep added after every frame.
func (e EncodingConfig) FixedSleep() time.Duration {
	return millis(e.FixedSleepMs)
}

// SceneOptions combines the transfer and encoding sections into scene
// pipeline options.
func (c *Config) SceneOptions() scene.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return scene.Options{
		MaxPayload:       c.Encoding.MaxPayload,
		LinesPerCheck:    c.Transfer.LinesPerCongestionCheck,
		BacklogThreshold: c.Transfer.BacklogThreshold,
		BackoffSleep:     millis(c.Transfer.BackoffSleepMs),
		MaxBackoff:       millis(c.Transfer.MaxBackoffMs),
		HighCompression:  c.Encoding.HighCompression,
	}
}

// TransportOptions returns the UDP transport options.
func (c *Config) TransportOptions() network.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := network.DefaultOptions()
	opts.ConnectionTimeout = seconds(c.Server.ConnectionTimeoutSec)
	opts.PingInterval = seconds(c.ApplicationData.Timers.PingInterval)
	opts.MinRetransmit = millis(c.Server.MinRetransmitMs)
	opts.MaxRetransmit = millis(c.Server.MaxRetransmitMs)
	opts.MaxResends = c.Server.MaxResendsPerPass
	opts.InboundRate = c.Server.InboundRate
	opts.InboundBurst = c.Server.InboundBurst
	return opts
}
