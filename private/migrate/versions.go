// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"
)

var (
	// ErrValidateVersionQuery is when querying the version table fails.
	ErrValidateVersionQuery = errs.Class("validate db version query")
	// ErrValidateVersionMismatch is when the migration version does not match the database.
	ErrValidateVersionMismatch = errs.Class("validate db version mismatch")
)

// Migration describes a series of migration steps applied in version order.
type Migration struct {
	// Table is the name of the version tracking table.
	Table string
	Steps []*Step
}

// Step describes a single step in a migration.
type Step struct {
	DB          *tagsql.DB
	Description string
	Version     int // Versions start at 0.
	Action      Action

	// SeparateTx runs the action outside the transaction that records the
	// version. Needed for statements that cannot run inside a transaction.
	SeparateTx bool
}

// Action is something a step needs to do.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error
}

// TargetVersion returns a migration trimmed to steps up to the specified version.
func (migration *Migration) TargetVersion(version int) *Migration {
	m := *migration
	m.Steps = nil
	for _, step := range migration.Steps {
		if step.Version <= version {
			m.Steps = append(m.Steps, step)
		}
	}
	return &m
}

// ValidTableName checks whether the version table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the steps are in version order.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version <= migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// ValidateVersions checks that the database is not behind the migration.
func (migration *Migration) ValidateVersions(ctx context.Context, log *zap.Logger) error {
	for _, step := range migration.Steps {
		dbVersion, err := migration.getLatestVersion(ctx, *step.DB)
		if err != nil {
			return ErrValidateVersionQuery.Wrap(err)
		}

		if step.Version > dbVersion {
			return ErrValidateVersionMismatch.New("expected %d <= %d", step.Version, dbVersion)
		}
	}

	if len(migration.Steps) > 0 {
		last := migration.Steps[len(migration.Steps)-1]
		log.Debug("Database version is up to date", zap.Int("version", last.Version))
	} else {
		log.Debug("No versions")
	}

	return nil
}

// Run applies the missing migration steps.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	err := migration.ValidTableName()
	if err != nil {
		return err
	}

	err = migration.ValidateSteps()
	if err != nil {
		return err
	}

	initialSetup := false
	for i, step := range migration.Steps {
		if step.DB == nil || *step.DB == nil {
			return Error.New("step.DB is nil for step %d", step.Version)
		}

		err = migration.ensureVersionTable(ctx, *step.DB)
		if err != nil {
			return Error.New("creating version table failed: %w", err)
		}

		version, err := migration.getLatestVersion(ctx, *step.DB)
		if err != nil {
			return Error.Wrap(err)
		}
		if i == 0 && version < 0 {
			initialSetup = true
		}

		if step.Version <= version {
			continue
		}

		stepLog := log.Named(strconv.Itoa(step.Version))
		if !initialSetup {
			stepLog.Info(step.Description)
		}

		if step.SeparateTx {
			err = step.Action.Run(ctx, stepLog, *step.DB, nil)
			if err != nil {
				return Error.Wrap(err)
			}
			err = txutil.WithTx(ctx, *step.DB, nil, func(ctx context.Context, tx tagsql.Tx) error {
				return migration.addVersion(ctx, tx, *step.DB, step.Version)
			})
		} else {
			err = txutil.WithTx(ctx, *step.DB, nil, func(ctx context.Context, tx tagsql.Tx) error {
				err := step.Action.Run(ctx, stepLog, *step.DB, tx)
				if err != nil {
					return err
				}
				return migration.addVersion(ctx, tx, *step.DB, step.Version)
			})
		}
		if err != nil {
			return Error.Wrap(err)
		}
	}

	if len(migration.Steps) > 0 {
		last := migration.Steps[len(migration.Steps)-1]
		if initialSetup {
			log.Info("Database Created", zap.Int("version", last.Version))
		} else {
			log.Info("Database Version", zap.Int("version", last.Version))
		}
	} else {
		log.Info("No versions")
	}

	return nil
}

// ensureVersionTable creates the version table when missing.
func (migration *Migration) ensureVersionTable(ctx context.Context, db tagsql.DB) error {
	err := txutil.WithTx(ctx, db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		_, err := tx.Exec(ctx, rebind(db, `CREATE TABLE IF NOT EXISTS `+migration.Table+` (version int, committed_at text)`))
		return err
	})
	return Error.Wrap(err)
}

// getLatestVersion finds the latest version in the version table.
// It returns -1 when there are no rows.
func (migration *Migration) getLatestVersion(ctx context.Context, db tagsql.DB) (int, error) {
	var version sql.NullInt64
	err := txutil.WithTx(ctx, db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		err := tx.QueryRow(ctx, rebind(db, `SELECT MAX(version) FROM `+migration.Table)).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) || !version.Valid {
			version.Int64 = -1
			return nil
		}
		return err
	})

	return int(version.Int64), Error.Wrap(err)
}

// addVersion records an applied migration step.
func (migration *Migration) addVersion(ctx context.Context, tx tagsql.Tx, db tagsql.DB, version int) error {
	_, err := tx.Exec(ctx, rebind(db, `
		INSERT INTO `+migration.Table+` (version, committed_at) VALUES (?, ?)`),
		version, time.Now().String(),
	)
	return err
}

// CurrentVersion finds the latest recorded version for the db.
func (migration *Migration) CurrentVersion(ctx context.Context, log *zap.Logger, db tagsql.DB) (int, error) {
	err := migration.ensureVersionTable(ctx, db)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	return migration.getLatestVersion(ctx, db)
}

// SQL is a list of sql statements run as a single step.
type SQL []string

// Run executes the sql statements.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) (err error) {
	for _, query := range sql {
		_, err := tx.Exec(ctx, rebind(db, query))
		if err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary migration operation.
type Func func(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error

// Run runs the func.
func (fn Func) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	return fn(ctx, log, db, tx)
}
