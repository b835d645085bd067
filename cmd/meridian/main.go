// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command meridian runs the research extraction service: the job manager,
// the checkpointed workflow engine, and the HTTP gateway in one process.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	config     Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Meridian research extraction service",
	Long: `Meridian turns source documents into an evidence-grounded knowledge
graph: extraction jobs run through a checkpointed workflow with grounding
validation and human sign-off, and a finalize pass merges verified claims
into canonical entries.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to meridian.yaml (default: ./meridian.yaml, then ~/.meridian/meridian.yaml)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		config = cfg
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
