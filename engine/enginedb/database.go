// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package enginedb implements the engine master database on sqlite and
// postgres.
package enginedb

import (
	"context"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a sql driver.
	_ "github.com/mattn/go-sqlite3"    // registers sqlite3 as a sql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil"
	"storj.io/private/dbutil/pgutil"
	"storj.io/private/tagsql"

	"github.com/meridian-hie/meridian/engine"
	"github.com/meridian-hie/meridian/engine/artifact"
	"github.com/meridian-hie/meridian/engine/controller"
	"github.com/meridian-hie/meridian/engine/dispatch"
	"github.com/meridian-hie/meridian/engine/lease"
	"github.com/meridian-hie/meridian/engine/msgstore"
	"github.com/meridian-hie/meridian/engine/registry"
	"github.com/meridian-hie/meridian/engine/sequence"
)

var (
	mon = monkit.Package()

	// Error is the default enginedb errs class.
	Error = errs.Class("enginedb")
)

// ensures that DB implements engine.DB.
var _ engine.DB = (*DB)(nil)

// VersionTable is the table tracking applied schema versions.
const VersionTable = "versions"

// DB gives access to the engine tables with a record of the driver,
// implementation, and source URL they were opened with.
//
// architecture: Master Database
type DB struct {
	log    *zap.Logger
	db     tagsql.DB
	impl   dbutil.Implementation
	source string

	// columnsMu serializes the DDL issued by EnsureMetadataColumns.
	columnsMu sync.Mutex
}

// Open creates an engine database instance from a database URL. Supported
// schemes are sqlite3 and postgres.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	driver, source, implementation, err := dbutil.SplitConnStr(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	switch implementation {
	case dbutil.Postgres, dbutil.Cockroach:
		source, err = pgutil.CheckApplicationName(source, "meridian-engine")
		if err != nil {
			return nil, Error.Wrap(err)
		}
	case dbutil.SQLite3:
		if !strings.Contains(source, "_busy_timeout") {
			separator := "?"
			if strings.Contains(source, "?") {
				separator = "&"
			}
			source += separator + "_busy_timeout=10000"
		}
	default:
		return nil, Error.New("unsupported driver %q", driver)
	}

	sqlDB, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, Error.New("failed opening database at %q: %v", source, err)
	}
	dbutil.Configure(ctx, sqlDB, "enginedb", mon)

	if implementation == dbutil.Postgres || implementation == dbutil.Cockroach {
		sqlDB = postgresRebind{DB: sqlDB}
	}
	log.Debug("Connected to engine database", zap.String("db source", source))

	return &DB{
		log:    log,
		db:     sqlDB,
		impl:   implementation,
		source: source,
	}, nil
}

// Messages returns the message store database.
func (db *DB) Messages() msgstore.DB { return &messagesDB{db: db} }

// Sequences returns the message id sequence database.
func (db *DB) Sequences() sequence.DB { return &sequencesDB{db: db} }

// Servers returns the cluster server registry database.
func (db *DB) Servers() registry.DB { return &serversDB{db: db} }

// Leases returns the polling lease database.
func (db *DB) Leases() lease.DB { return &leasesDB{db: db} }

// Deployments returns the channel deployment database.
func (db *DB) Deployments() dispatch.DB { return &deploymentsDB{db: db} }

// Channels returns the channel definition database.
func (db *DB) Channels() controller.DB { return &channelsDB{db: db} }

// Artifacts returns the artifact sync database.
func (db *DB) Artifacts() artifact.DB { return &artifactsDB{db: db} }

// MigrateToLatest applies the missing schema migration steps.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.Migration().Run(ctx, db.log.Named("migrate"))
}

// CheckVersion checks that the schema is not behind the binary.
func (db *DB) CheckVersion(ctx context.Context) error {
	return db.Migration().ValidateVersions(ctx, db.log)
}

// Implementation returns the database implementation.
func (db *DB) Implementation() dbutil.Implementation { return db.impl }

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// rebind replaces ? placeholders when the implementation needs it.
func (db *DB) rebind(sql string) string {
	if r, ok := db.db.(interface{ Rebind(string) string }); ok {
		return r.Rebind(sql)
	}
	return sql
}

// placeholders returns n comma-separated placeholders, for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// postgresRebind rewrites ? placeholders to the $N form pgx expects. The
// migrate package picks it up through the Rebind method.
type postgresRebind struct{ tagsql.DB }

func (pq postgresRebind) Rebind(sql string) string {
	type sqlParseState int
	const (
		sqlParseStart sqlParseState = iota
		sqlParseInStringLiteral
		sqlParseInQuotedIdentifier
		sqlParseInComment
	)

	out := make([]byte, 0, len(sql)+10)

	j := 1
	state := sqlParseStart
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch state {
		case sqlParseStart:
			switch ch {
			case '?':
				out = append(out, '$')
				out = append(out, strconv.Itoa(j)...)
				state = sqlParseStart
				j++
				continue
			case '-':
				if i+1 < len(sql) && sql[i+1] == '-' {
					state = sqlParseInComment
				}
			case '"':
				state = sqlParseInQuotedIdentifier
			case '\'':
				state = sqlParseInStringLiteral
			}
		case sqlParseInStringLiteral:
			if ch == '\'' {
				state = sqlParseStart
			}
		case sqlParseInQuotedIdentifier:
			if ch == '"' {
				state = sqlParseStart
			}
		case sqlParseInComment:
			if ch == '\n' {
				state = sqlParseStart
			}
		}
		out = append(out, ch)
	}

	return string(out)
}
