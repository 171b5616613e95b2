// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	configPath string
	scenario   string

	rootCmd = &cobra.Command{
		Use:   "syncline",
		Short: "An in-process transactional event-integration engine",
		Long: `Syncline coordinates entity mutations across collaborating
components: transactional commits with entity locking and deadlock
detection, a three-stage validation pipeline, conflict detection and
resolution, and a policy-driven audit trail.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncline %s\n", version)
		},
	}

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in engine scenarios against an in-memory store",
		Long: `Runs the named scenario (or all of them) end to end and prints
each transaction result: commit, conflict, locks, audit.`,
		RunE: runDemo,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Boot the engine, run a smoke transaction, and print the health snapshot",
		RunE:  runHealth,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	demoCmd.Flags().StringVar(&scenario, "scenario", "all", "scenario to run: commit|conflict|locks|audit|all")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	eco, err := buildEcosystem(cfg)
	if err != nil {
		return err
	}
	defer eco.Close()

	if err := scenarioCleanCommit(cmd.Context(), eco); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond) // let async subscribers drain

	snap := eco.Monitor.Health()
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
