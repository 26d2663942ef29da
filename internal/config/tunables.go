// Package config loads the environment tunables every core reads at init
// (spec.md §6) through viper, so they can be overridden by command-line
// flags or SPRITED_* environment variables instead of being compiled-in
// constants. No config file is read.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Tunables holds every knob named in spec.md §6. Values are defaults unless
// overridden by flag or env var, in that precedence order; Load does not
// read a config file.
type Tunables struct {
	// Peer Registry
	PingInterval        time.Duration
	RebootSettle        time.Duration
	RecentTrafficWindow time.Duration

	// RPC Client
	NumChannels         int
	CongestionInterval  time.Duration
	NACKRetryCap        int

	// Segment Usage & Cleaner
	DirtyThresholdPct int // dirtyThreshold as a percentage of segment size
	CleanRangeLow     int64

	// File-system format-time constants
	SegmentCount int
	SegmentSize  int64
	BlockSize    int64
}

// Defaults mirrors the defaults spelled out in spec.md §6.
func Defaults() Tunables {
	return Tunables{
		PingInterval:        30 * time.Second,
		RebootSettle:        30 * time.Second,
		RecentTrafficWindow: 10 * time.Second,

		NumChannels:        8,
		CongestionInterval: 10 * time.Second,
		NACKRetryCap:       3,

		DirtyThresholdPct: 10,
		CleanRangeLow:     0,

		SegmentCount: 0,
		SegmentSize:  0,
		BlockSize:    0,
	}
}

// Load builds a viper instance seeded with Defaults, bound to SPRITED_*
// environment variables and, if non-nil, a pflag.FlagSet of CLI overrides
// (the pattern the pack's phenix Go module uses to layer viper on top of
// cobra/pflag for its own operator-tunable config).
func Load(flags *pflag.FlagSet) (Tunables, error) {
	v := viper.New()
	v.SetEnvPrefix("SPRITED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("ping-interval", d.PingInterval)
	v.SetDefault("reboot-settle", d.RebootSettle)
	v.SetDefault("recent-traffic-window", d.RecentTrafficWindow)
	v.SetDefault("num-channels", d.NumChannels)
	v.SetDefault("congestion-interval", d.CongestionInterval)
	v.SetDefault("nack-retry-cap", d.NACKRetryCap)
	v.SetDefault("dirty-threshold-pct", d.DirtyThresholdPct)
	v.SetDefault("clean-range-low", d.CleanRangeLow)
	v.SetDefault("segment-count", d.SegmentCount)
	v.SetDefault("segment-size", d.SegmentSize)
	v.SetDefault("block-size", d.BlockSize)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Tunables{}, err
		}
	}

	return Tunables{
		PingInterval:        v.GetDuration("ping-interval"),
		RebootSettle:        v.GetDuration("reboot-settle"),
		RecentTrafficWindow: v.GetDuration("recent-traffic-window"),
		NumChannels:         v.GetInt("num-channels"),
		CongestionInterval:  v.GetDuration("congestion-interval"),
		NACKRetryCap:        v.GetInt("nack-retry-cap"),
		DirtyThresholdPct:   v.GetInt("dirty-threshold-pct"),
		CleanRangeLow:       v.GetInt64("clean-range-low"),
		SegmentCount:        v.GetInt("segment-count"),
		SegmentSize:         v.GetInt64("segment-size"),
		BlockSize:           v.GetInt64("block-size"),
	}, nil
}

// DirtyThreshold returns the absolute dirty-byte threshold for a segment of
// the given size, per DirtyThresholdPct.
func (t Tunables) DirtyThreshold() int64 {
	return t.SegmentSize * int64(t.DirtyThresholdPct) / 100
}

// RegisterFlags adds pflag overrides for every tunable, for use by cmd/spriteletl.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Duration("ping-interval", Defaults().PingInterval, "peer ping interval")
	flags.Duration("reboot-settle", Defaults().RebootSettle, "delay before reboot callbacks after a peer returns from dead")
	flags.Duration("recent-traffic-window", Defaults().RecentTrafficWindow, "window within which traffic suppresses a liveness probe")
	flags.Int("num-channels", Defaults().NumChannels, "size of the RPC channel pool")
	flags.Duration("congestion-interval", Defaults().CongestionInterval, "how long a NACK restricts a peer to one channel")
	flags.Int("nack-retry-cap", Defaults().NACKRetryCap, "max NACK-driven channel reallocation retries")
	flags.Int("dirty-threshold-pct", Defaults().DirtyThresholdPct, "dirty segment threshold as a percentage of segment size")
	flags.Int64("clean-range-low", Defaults().CleanRangeLow, "minimum active bytes for a dirty segment to be worth cleaning")
	flags.Int("segment-count", Defaults().SegmentCount, "number of segments in the log")
	flags.Int64("segment-size", Defaults().SegmentSize, "segment size in bytes")
	flags.Int64("block-size", Defaults().BlockSize, "block size in bytes")
}
