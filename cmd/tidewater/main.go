// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tidewater is the terminal client for the Tidewater orchestrator.
//
// It talks to the orchestrator's HTTP API: streaming chat turns, listing
// conversations and messages, and managing memories.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tidewater",
	Short: "Terminal client for the Tidewater chat orchestrator",
	Long: `tidewater streams chat turns against a running orchestrator and
inspects the durable state behind them (conversations, topics, memories).

The server address comes from --server or TIDEWATER_SERVER; the bearer
token from --token or TIDEWATER_TOKEN (unset is fine against a server in
local auth mode).`,
	SilenceUsage: true,
}

var (
	serverFlag string
	tokenFlag  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "",
		"orchestrator base URL (default TIDEWATER_SERVER or http://localhost:12210)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "",
		"bearer token (default TIDEWATER_TOKEN)")
}
