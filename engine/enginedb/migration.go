// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package enginedb

import (
	"github.com/meridian-hie/meridian/private/migrate"
)

// Migration returns the versioned schema of the engine database. Table and
// column names match what the legacy peer reads; renaming them breaks mixed
// clusters.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: VersionTable,
		Steps: []*migrate.Step{
			{
				DB:          &db.db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					// channel definitions, shared across the cluster
					`CREATE TABLE d_channel (
						channel_id TEXT NOT NULL PRIMARY KEY,
						name       TEXT NOT NULL DEFAULT '',
						revision   INTEGER NOT NULL DEFAULT 0,
						config     BYTEA NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,

					// one row per received message
					`CREATE TABLE d_message (
						channel_id  TEXT NOT NULL,
						message_id  BIGINT NOT NULL,
						server_id   TEXT NOT NULL,
						received_at TIMESTAMP NOT NULL,
						processed   BOOLEAN NOT NULL DEFAULT false,
						original_id BIGINT,
						import_id   BIGINT,
						sequence_id BIGINT NOT NULL DEFAULT 0,

						PRIMARY KEY (channel_id, message_id)
					)`,

					// per-connector processing state of a message
					`CREATE TABLE d_connector_message (
						channel_id     TEXT NOT NULL,
						message_id     BIGINT NOT NULL,
						metadata_id    INTEGER NOT NULL,
						server_id      TEXT NOT NULL,
						connector_name TEXT NOT NULL DEFAULT '',
						status         TEXT NOT NULL,
						received_at    TIMESTAMP NOT NULL,
						send_attempts  INTEGER NOT NULL DEFAULT 0,
						sent_at        TIMESTAMP,
						responded_at   TIMESTAMP,

						PRIMARY KEY (channel_id, message_id, metadata_id)
					)`,

					// one row per pipeline stage slot, content_type 1..14
					`CREATE TABLE d_message_content (
						channel_id   TEXT NOT NULL,
						message_id   BIGINT NOT NULL,
						metadata_id  INTEGER NOT NULL,
						content_type INTEGER NOT NULL,
						data         BYTEA NOT NULL,
						data_type    TEXT NOT NULL DEFAULT '',
						encrypted    BOOLEAN NOT NULL DEFAULT false,

						PRIMARY KEY (channel_id, message_id, metadata_id, content_type)
					)`,

					// binary payloads lifted out of message bodies
					`CREATE TABLE d_message_attachment (
						channel_id    TEXT NOT NULL,
						message_id    BIGINT NOT NULL,
						attachment_id TEXT NOT NULL,
						type          TEXT NOT NULL DEFAULT '',
						data          BYTEA NOT NULL,
						encrypted     BOOLEAN NOT NULL DEFAULT false,

						PRIMARY KEY (channel_id, message_id, attachment_id)
					)`,

					// queryable metadata; channel-defined columns are added
					// at deploy through EnsureMetadataColumns
					`CREATE TABLE d_message_custom_metadata (
						channel_id    TEXT NOT NULL,
						message_id    BIGINT NOT NULL,
						metadata_id   INTEGER NOT NULL,
						mirth_source  TEXT NOT NULL DEFAULT '',
						mirth_type    TEXT NOT NULL DEFAULT '',
						mirth_version TEXT NOT NULL DEFAULT '',

						PRIMARY KEY (channel_id, message_id, metadata_id)
					)`,

					// lifetime statistics counters per connector
					`CREATE TABLE d_channel_statistics (
						channel_id  TEXT NOT NULL,
						metadata_id INTEGER NOT NULL,
						received    BIGINT NOT NULL DEFAULT 0,
						filtered    BIGINT NOT NULL DEFAULT 0,
						transformed BIGINT NOT NULL DEFAULT 0,
						pending     BIGINT NOT NULL DEFAULT 0,
						sent        BIGINT NOT NULL DEFAULT 0,
						error       BIGINT NOT NULL DEFAULT 0,

						PRIMARY KEY (channel_id, metadata_id)
					)`,

					// monotonic message id counter per channel
					`CREATE TABLE d_message_sequence (
						channel_id TEXT NOT NULL PRIMARY KEY,
						counter    BIGINT NOT NULL DEFAULT 0
					)`,

					`CREATE INDEX idx_message_prune ON d_message (channel_id, processed, received_at)`,

					`CREATE INDEX idx_connector_message_queue ON d_connector_message (channel_id, metadata_id, status)`,
				},
			},
			{
				DB:          &db.db,
				Description: "Cluster coordination tables",
				Version:     1,
				Action: migrate.SQL{
					// cluster membership, refreshed by heartbeats
					`CREATE TABLE d_servers (
						server_id      TEXT NOT NULL PRIMARY KEY,
						hostname       TEXT NOT NULL DEFAULT '',
						port           INTEGER NOT NULL DEFAULT 0,
						api_url        TEXT NOT NULL DEFAULT '',
						started_at     TIMESTAMP NOT NULL,
						last_heartbeat TIMESTAMP NOT NULL,
						status         TEXT NOT NULL DEFAULT ''
					)`,

					// which servers host which channels
					`CREATE TABLE d_channel_deployment (
						channel_id  TEXT NOT NULL,
						server_id   TEXT NOT NULL,
						revision    INTEGER NOT NULL DEFAULT 0,
						deployed_at TIMESTAMP NOT NULL,

						PRIMARY KEY (channel_id, server_id)
					)`,

					// exclusive polling ownership, stolen after expiry
					`CREATE TABLE d_poll_lease (
						channel_id   TEXT NOT NULL,
						connector_id INTEGER NOT NULL,
						server_id    TEXT NOT NULL,
						acquired_at  TIMESTAMP NOT NULL,
						expires_at   TIMESTAMP NOT NULL,

						PRIMARY KEY (channel_id, connector_id)
					)`,

					// audit trail of claimed message id blocks
					`CREATE TABLE d_sequence_block (
						channel_id  TEXT NOT NULL,
						block_start BIGINT NOT NULL,
						block_end   BIGINT NOT NULL,
						server_id   TEXT NOT NULL,
						claimed_at  TIMESTAMP NOT NULL,

						PRIMARY KEY (channel_id, block_start)
					)`,

					`CREATE INDEX idx_poll_lease_expiry ON d_poll_lease (expires_at)`,
				},
			},
			{
				DB:          &db.db,
				Description: "Artifact sync tracking",
				Version:     2,
				Action: migrate.SQL{
					// configuration artifacts mirrored from cluster storage
					`CREATE TABLE d_artifact_sync (
						artifact_id TEXT NOT NULL PRIMARY KEY,
						kind        TEXT NOT NULL DEFAULT '',
						revision    INTEGER NOT NULL DEFAULT 0,
						hash        TEXT NOT NULL DEFAULT '',
						synced_at   TIMESTAMP NOT NULL
					)`,
				},
			},
		},
	}
}
