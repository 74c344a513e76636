// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the preprocessor options in the YAML configuration
// file consumed by the preprocess subcommand.
type fileConfig struct {
	// MapDirectory is the target directory for MAP files. Required
	// unless given on the command line.
	MapDirectory string `yaml:"map-directory"`

	// OutputDirectory is the target directory for preprocessed traces.
	// Required when StoreTraces is set.
	OutputDirectory string `yaml:"output-directory"`

	// StoreTraces persists preprocessed traces instead of keeping them
	// in memory. Defaults to false.
	StoreTraces bool `yaml:"store-traces"`

	// ColumnsBits is the column bit-width in the 32-bit source-position
	// address. Defaults to 13 when omitted.
	ColumnsBits uint32 `yaml:"columns-bits"`
}

// loadConfig reads a YAML configuration file.
func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
