// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package identity establishes the stable identity of an engine instance.
package identity

import (
	"os"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

// Error is the default identity errs class.
var Error = errs.Class("identity")

// EnvServerID overrides the configured server id. The legacy peer reads the
// same variable, so two processes sharing it would collide; each instance
// must carry its own value.
const EnvServerID = "MIRTH_SERVER_ID"

// Config holds identity configuration.
type Config struct {
	ServerID string `help:"stable identifier for this instance, generated when unset" default:""`
}

// Identity identifies one engine instance for the lifetime of the process.
//
// The server id survives restarts only when pinned through configuration or
// the environment; an unpinned instance mints a fresh id on every boot and
// the registry treats it as a new member.
type Identity struct {
	ServerID  string
	Hostname  string
	StartedAt time.Time
}

// Load resolves the instance identity. Configured value wins, then the
// environment, then a freshly generated id.
func Load(config Config) (*Identity, error) {
	serverID := config.ServerID
	if serverID == "" {
		serverID = os.Getenv(EnvServerID)
	}
	if serverID == "" {
		id, err := uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		serverID = id.String()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &Identity{
		ServerID:  serverID,
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	}, nil
}
