// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/meridian-hie/meridian/engine"
	"github.com/meridian-hie/meridian/engine/enginedb"
	"github.com/meridian-hie/meridian/engine/identity"
)

// Config defines the configuration for the meridian binary.
type Config struct {
	Database string `help:"meridian database connection string" default:"sqlite3://file:$CONFDIR/meridian.db?_journal=WAL"`

	engine.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "meridian",
		Short: "Meridian integration engine",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the integration engine",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	migrationCmd = &cobra.Command{
		Use:         "migration",
		Short:       "Migrate the database to the latest schema",
		RunE:        cmdMigration,
		Annotations: map[string]string{"type": "helper"},
	}

	runCfg       Config
	setupCfg     Config
	migrationCfg Config

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("meridian")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for meridian configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrationCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(migrationCmd, &migrationCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	ident, err := identity.Load(runCfg.Identity)
	if err != nil {
		return errs.New("Error loading instance identity: %+v", err)
	}
	cluster := identity.ClusterFromEnv()

	log.Info("Instance identity",
		zap.String("Server ID", ident.ServerID),
		zap.String("Hostname", ident.Hostname),
		zap.Bool("Cluster Enabled", cluster.Enabled),
		zap.String("Mode", cluster.Mode))

	db, err := enginedb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("Error starting master database on meridian: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	err = db.MigrateToLatest(ctx)
	if err != nil {
		return errs.New("Error creating tables for master database on meridian: %+v", err)
	}

	peer, err := engine.New(log, ident, db, cluster, &runCfg.Config, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()

	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("meridian configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	overrides := map[string]interface{}{
		"log.level": "info",
	}

	configFile := filepath.Join(setupDir, "config.yaml")
	return process.SaveConfig(cmd, configFile, process.SaveConfigWithOverrides(overrides))
}

func cmdMigration(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := enginedb.Open(ctx, log.Named("migration"), migrationCfg.Database)
	if err != nil {
		return errs.New("Error creating database connection on meridian: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	err = db.MigrateToLatest(ctx)
	if err != nil {
		return errs.New("Error migrating database on meridian: %+v", err)
	}

	log.Info("Database migrated to the latest schema")
	return nil
}

func main() {
	logger, _, _ := process.NewLogger("meridian")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
