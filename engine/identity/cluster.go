// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package identity

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables shared with the legacy peer. The names are part of
// the compatibility contract and never change.
const (
	EnvClusterEnabled    = "MIRTH_CLUSTER_ENABLED"
	EnvHeartbeatInterval = "MIRTH_CLUSTER_HEARTBEAT_INTERVAL"
	EnvHeartbeatTimeout  = "MIRTH_CLUSTER_HEARTBEAT_TIMEOUT"
	EnvSequenceBlock     = "MIRTH_CLUSTER_SEQUENCE_BLOCK"
	EnvPollingMode       = "MIRTH_CLUSTER_POLLING_MODE"
	EnvLeaseTTL          = "MIRTH_CLUSTER_LEASE_TTL"
	EnvClusterSecret     = "MIRTH_CLUSTER_SECRET"
	EnvQuorumEnabled     = "MIRTH_CLUSTER_QUORUM_ENABLED"
	EnvMode              = "MIRTH_MODE"
	EnvTakeoverChannels  = "MIRTH_TAKEOVER_POLL_CHANNELS"
)

// Operating modes.
const (
	ModeAuto     = "auto"
	ModeShadow   = "shadow"
	ModeTakeover = "takeover"
)

// Polling ownership modes.
const (
	PollingExclusive = "exclusive"
	PollingAll       = "all"
)

// Defaults applied when the environment is absent or malformed.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultLeaseTTL          = 30 * time.Second
	DefaultSequenceBlock     = 100
)

// ClusterConfig carries the cluster coordination settings for one instance.
type ClusterConfig struct {
	Enabled           bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SequenceBlockSize int64
	PollingMode       string
	LeaseTTL          time.Duration
	Secret            string
	QuorumEnabled     bool
	Mode              string

	// TakeoverPollChannels lists channel ids or names allowed to poll while
	// the instance runs in takeover mode.
	TakeoverPollChannels []string
}

// ClusterFromEnv reads the cluster settings from the environment. Malformed
// values fall back to defaults; reading never fails.
func ClusterFromEnv() ClusterConfig {
	cfg := ClusterConfig{
		Enabled:           envBool(EnvClusterEnabled),
		HeartbeatInterval: envMillis(EnvHeartbeatInterval, DefaultHeartbeatInterval),
		HeartbeatTimeout:  envMillis(EnvHeartbeatTimeout, DefaultHeartbeatTimeout),
		SequenceBlockSize: envInt64(EnvSequenceBlock, DefaultSequenceBlock),
		LeaseTTL:          envMillis(EnvLeaseTTL, DefaultLeaseTTL),
		Secret:            os.Getenv(EnvClusterSecret),
		QuorumEnabled:     envBool(EnvQuorumEnabled),
	}

	switch strings.ToLower(os.Getenv(EnvPollingMode)) {
	case PollingAll:
		cfg.PollingMode = PollingAll
	default:
		cfg.PollingMode = PollingExclusive
	}

	switch strings.ToLower(os.Getenv(EnvMode)) {
	case ModeShadow:
		cfg.Mode = ModeShadow
	case ModeTakeover:
		cfg.Mode = ModeTakeover
	default:
		cfg.Mode = ModeAuto
	}

	if raw := os.Getenv(EnvTakeoverChannels); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.TakeoverPollChannels = append(cfg.TakeoverPollChannels, part)
			}
		}
	}

	return cfg
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func envInt64(name string, def int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envMillis(name string, def time.Duration) time.Duration {
	v, err := strconv.ParseInt(os.Getenv(name), 10, 64)
	if err != nil || v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
