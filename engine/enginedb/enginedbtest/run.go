// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

// Package enginedbtest runs tests against every supported database.
package enginedbtest

// This package should be referenced only in test files!

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/private/dbutil"
	"storj.io/private/dbutil/tempdb"

	"github.com/meridian-hie/meridian/engine"
	"github.com/meridian-hie/meridian/engine/enginedb"
)

// EnvPostgres provides the postgres connection string for the test suite.
const EnvPostgres = "MERIDIAN_TEST_POSTGRES"

// Database describes a test database.
type Database struct {
	Name    string
	URL     string
	Message string
}

// Databases returns the databases the suite runs against. Sqlite needs no
// setup and always runs; postgres joins when the environment provides a
// connection string.
func Databases() []Database {
	return []Database{
		{Name: "Sqlite3", URL: "sqlite3"},
		{
			Name:    "Postgres",
			URL:     os.Getenv(EnvPostgres),
			Message: "Postgres connection string not provided, example: " + EnvPostgres + "=postgres://meridian@localhost/meridian-test?sslmode=disable",
		},
	}
}

// tempEngineDB is an engine.DB that drops its temporary schema on close.
type tempEngineDB struct {
	engine.DB
	tempDB *dbutil.TempDatabase
}

func (db *tempEngineDB) Close() error {
	return errs.Combine(db.DB.Close(), db.tempDB.Close())
}

// CreateEngineDB opens a fresh engine database for one test.
func CreateEngineDB(ctx *testcontext.Context, log *zap.Logger, name string, dbInfo Database) (engine.DB, error) {
	if dbInfo.URL == "sqlite3" {
		path := filepath.Join(ctx.Dir("enginedb"), "engine.db")
		return enginedb.Open(ctx, log.Named("db"), "sqlite3://file:"+path+"?_journal=WAL")
	}

	tempDB, err := tempdb.OpenUnique(ctx, dbInfo.URL, schemaPrefix(name))
	if err != nil {
		return nil, err
	}
	db, err := enginedb.Open(ctx, log.Named("db"), tempDB.ConnStr)
	if err != nil {
		return nil, errs.Combine(err, tempDB.Close())
	}
	return &tempEngineDB{DB: db, tempDB: tempDB}, nil
}

// schemaPrefix derives a postgres schema prefix from the test name.
func schemaPrefix(name string) string {
	if len(name) > 32 {
		name = name[:32]
	}
	out := []byte(name)
	for i, ch := range out {
		switch {
		case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Run runs the test against every available database, migrated to the
// latest schema.
func Run(t *testing.T, test func(ctx *testcontext.Context, t *testing.T, db engine.DB)) {
	for _, dbInfo := range Databases() {
		dbInfo := dbInfo
		t.Run(dbInfo.Name, func(t *testing.T) {
			t.Parallel()

			if dbInfo.URL == "" {
				t.Skipf("Database %s connection string not provided. %s", dbInfo.Name, dbInfo.Message)
			}

			ctx := testcontext.New(t)
			defer ctx.Cleanup()

			db, err := CreateEngineDB(ctx, zaptest.NewLogger(t), t.Name(), dbInfo)
			if err != nil {
				t.Fatal(err)
			}
			defer ctx.Check(db.Close)

			if err := db.MigrateToLatest(ctx); err != nil {
				t.Fatal(err)
			}

			test(ctx, t, db)
		})
	}
}
