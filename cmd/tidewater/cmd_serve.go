// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log/slog"
	"os"

	"github.com/AleutianAI/Tidewater/services/orchestrator"
	"github.com/spf13/cobra"
)

var (
	servePort       int
	serveConfigPath string
	serveWeaviate   string
	serveAuthMode   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator server in-process",
	Long: `Runs the same server as the orchestrator container image, for local
development. Connection settings not covered by flags come from the
environment (OPENAI_API_KEY, SEARCHPIPE_URL, SANDBOX_URL, INFLUXDB_*,
GCS_ARTIFACT_BUCKET).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

		svc, err := orchestrator.New(orchestrator.Config{
			Port:          servePort,
			ConfigPath:    serveConfigPath,
			WeaviateURL:   serveWeaviate,
			OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			GCSBucket:     os.Getenv("GCS_ARTIFACT_BUCKET"),
			AuthMode:      serveAuthMode,
			EnableMetrics: true,
		})
		if err != nil {
			return err
		}
		return svc.Run()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 12210, "HTTP port")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "tunables YAML file")
	serveCmd.Flags().StringVar(&serveWeaviate, "weaviate", "", "Weaviate URL (empty: in-memory store)")
	serveCmd.Flags().StringVar(&serveAuthMode, "auth", "none", "auth mode: none or header")
	rootCmd.AddCommand(serveCmd)
}
