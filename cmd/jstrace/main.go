// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.2.0"

var (
	configPath  string
	mapDir      string
	outputDir   string
	storeTraces bool
	columnsBits uint32
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jstrace",
		Short: "Preprocess JavaScript execution traces into the binary trace format",
	}

	preprocessCmd := &cobra.Command{
		Use:   "preprocess <trace-directory>",
		Short: "Preprocess a raw trace directory and emit MAP files",
		Args:  cobra.ExactArgs(1),
		RunE:  preprocess,
	}
	preprocessCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"YAML configuration file; flags override its values")
	preprocessCmd.Flags().StringVar(&mapDir, "map-dir", "",
		"Target directory for MAP files")
	preprocessCmd.Flags().StringVar(&outputDir, "output-dir", "",
		"Target directory for preprocessed traces")
	preprocessCmd.Flags().BoolVar(&storeTraces, "store-traces", false,
		"Persist preprocessed traces to the output directory")
	preprocessCmd.Flags().Uint32Var(&columnsBits, "columns-bits", 0,
		"Column bit-width in the 32-bit source-position address")
	preprocessCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Log debug output")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("jstrace version", version)
		},
	}

	rootCmd.AddCommand(preprocessCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
