// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package controller

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meridian-hie/meridian/engine/channel"
)

// LoadFile reads one channel definition.
func LoadFile(path string) (config channel.Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return channel.Config{}, Error.Wrap(err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return channel.Config{}, Error.New("invalid channel definition %s: %v", path, err)
	}
	return config, nil
}

// LoadDirectory reads every channel definition in dir, sorted by file
// name. Only .yaml and .yml files are considered.
func LoadDirectory(dir string) (_ []channel.Config, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	configs := make([]channel.Config, 0, len(names))
	for _, name := range names {
		config, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, nil
}

// DeployStartupSet deploys every channel definition in the configured
// deploy directory and, when auto-start is on, starts them. A missing
// directory means nothing to deploy. Failing channels are reported
// together after the rest of the set was attempted.
func (controller *Controller) DeployStartupSet(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if controller.config.DeployDir == "" {
		return nil
	}
	configs, err := LoadDirectory(controller.config.DeployDir)
	if err != nil {
		if os.IsNotExist(err) {
			controller.log.Info("no channel deploy directory",
				zap.String("dir", controller.config.DeployDir))
			return nil
		}
		return Error.Wrap(err)
	}

	var group errs.Group
	for _, config := range configs {
		if err := controller.Deploy(ctx, config); err != nil {
			controller.log.Error("startup deploy failed",
				zap.String("channel_id", config.ID),
				zap.Error(err))
			group.Add(err)
			continue
		}
		if !controller.config.AutoStart {
			continue
		}
		if err := controller.Start(ctx, config.ID); err != nil {
			controller.log.Error("startup start failed",
				zap.String("channel_id", config.ID),
				zap.Error(err))
			group.Add(err)
		}
	}

	if len(configs) > 0 {
		controller.log.Info("startup deploy-set processed",
			zap.Int("channels", len(configs)))
	}
	return group.Err()
}
