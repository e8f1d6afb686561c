// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package migrate_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/private/tagsql"

	"github.com/meridian-hie/meridian/private/migrate"
)

func openTestDB(ctx *testcontext.Context, t *testing.T) tagsql.DB {
	sqldb, err := sql.Open("sqlite3", filepath.Join(ctx.Dir("migrate"), "test.db"))
	require.NoError(t, err)
	db := tagsql.Wrap(sqldb)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func testMigration(db *tagsql.DB) *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "create people",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE people ( name text )`,
					`INSERT INTO people (name) VALUES ('ada')`,
				},
			},
			{
				DB:          db,
				Description: "add age",
				Version:     1,
				Action: migrate.SQL{
					`ALTER TABLE people ADD COLUMN age int`,
				},
			},
		},
	}
}

func TestMigrationRunAndRerun(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	log := zaptest.NewLogger(t)

	migration := testMigration(&db)
	require.NoError(t, migration.Run(ctx, log))

	version, err := migration.CurrentVersion(ctx, log, db)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM people`).Scan(&count))
	require.Equal(t, 1, count)

	// rerunning applies nothing and keeps the data
	require.NoError(t, migration.Run(ctx, log))
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM people`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestMigrationTargetVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	log := zaptest.NewLogger(t)

	migration := testMigration(&db)
	require.NoError(t, migration.TargetVersion(0).Run(ctx, log))

	version, err := migration.CurrentVersion(ctx, log, db)
	require.NoError(t, err)
	require.Equal(t, 0, version)

	err = migration.ValidateVersions(ctx, log)
	require.True(t, migrate.ErrValidateVersionMismatch.Has(err))

	require.NoError(t, migration.Run(ctx, log))
	require.NoError(t, migration.ValidateVersions(ctx, log))
}

func TestMigrationRejectsInvalidTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	migration := &migrate.Migration{Table: "1; DROP TABLE versions"}
	require.Error(t, migration.Run(ctx, zaptest.NewLogger(t)))
}

func TestMigrationRejectsMisorderedSteps(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	migration := &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{DB: &db, Version: 1, Action: migrate.SQL{}},
			{DB: &db, Version: 0, Action: migrate.SQL{}},
		},
	}
	require.Error(t, migration.Run(ctx, zaptest.NewLogger(t)))
}
