// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"

	"github.com/sidelens/jstrace"
)

func preprocess(cmd *cobra.Command, args []string) error {
	traceDir := args[0]

	opts, err := buildOptions()
	if err != nil {
		return err
	}
	logger := log.NewHelper(opts.Logger)

	session, err := jstrace.NewSession(opts)
	if err != nil {
		return err
	}

	paths, err := collectTestcases(traceDir)
	if err != nil {
		return err
	}
	logger.Infof("preprocessing %d testcase traces from %s", len(paths), traceDir)

	results, err := session.ProcessAll(traceDir, paths)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Path != "" {
			logger.Debugf("stored %s", res.Path)
		} else {
			logger.Debugf("preprocessed %s (%d bytes in memory)", res.Name, len(res.Bytes()))
		}
	}

	if err := session.WriteMapFiles(); err != nil {
		return err
	}
	logger.Infof("map files written to %s", opts.MapDirectory)
	return nil
}

// buildOptions merges the YAML configuration with command line flags,
// flags winning.
func buildOptions() (*jstrace.Options, error) {
	opts := &jstrace.Options{}
	if configPath != "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		opts.MapDirectory = cfg.MapDirectory
		opts.OutputDirectory = cfg.OutputDirectory
		opts.StoreTraces = cfg.StoreTraces
		opts.ColumnsBits = cfg.ColumnsBits
	}
	if mapDir != "" {
		opts.MapDirectory = mapDir
	}
	if outputDir != "" {
		opts.OutputDirectory = outputDir
	}
	if storeTraces {
		opts.StoreTraces = true
	}
	if columnsBits != 0 {
		opts.ColumnsBits = columnsBits
	}

	level := log.LevelInfo
	if verbose {
		level = log.LevelDebug
	}
	opts.Logger = log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(level))
	return opts, nil
}

// collectTestcases lists every *.trace file of the directory except the
// prefix trace itself.
func collectTestcases(traceDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(traceDir, "*.trace"))
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, m := range matches {
		if filepath.Base(m) == jstrace.PrefixTraceName {
			continue
		}
		paths = append(paths, m)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no testcase traces found in %s", traceDir)
	}
	return paths, nil
}
