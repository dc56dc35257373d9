// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the read-only inspection commands: conversation
// history, topics, and memories.
package main

import (
	"fmt"
	"time"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		var resp struct {
			Messages []datatypes.Message `json:"messages"`
		}
		path := fmt.Sprintf("/v1/conversations/%s/messages?limit=%d", args[0], historyLimit)
		if err := client.doJSON(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return err
		}
		// Server returns newest first; print oldest first for reading.
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			m := resp.Messages[i]
			stamp := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
			partial := ""
			if m.Metadata.Partial {
				partial = " [partial]"
			}
			fmt.Printf("%s  %-9s%s  %s\n", stamp, m.Role, partial, m.Content)
		}
		return nil
	},
}

var topicsCmd = &cobra.Command{
	Use:   "topics <conversation-id>",
	Short: "Show a conversation's topic tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		var resp struct {
			Topics []datatypes.Topic `json:"topics"`
		}
		if err := client.doJSON(cmd.Context(), "GET", "/v1/conversations/"+args[0]+"/topics", nil, &resp); err != nil {
			return err
		}
		for _, t := range resp.Topics {
			marker := ""
			if t.Stub {
				marker = " (stub)"
			}
			fmt.Printf("%s  %s%s\n", t.ID, t.Label, marker)
			if t.Summary != "" {
				fmt.Printf("    %s\n", t.Summary)
			}
		}
		return nil
	},
}

var memoriesCmd = &cobra.Command{
	Use:   "memories",
	Short: "List what the assistant remembers about you",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		var resp struct {
			Memories []datatypes.Memory `json:"memories"`
		}
		if err := client.doJSON(cmd.Context(), "GET", "/v1/memories", nil, &resp); err != nil {
			return err
		}
		if len(resp.Memories) == 0 {
			fmt.Println("no memories")
			return nil
		}
		for _, m := range resp.Memories {
			fmt.Printf("%s  (%-10s)  %s: %s\n", m.ID, m.Type, m.Title, m.Content)
		}
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <memory-id>",
	Short: "Delete one memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		if err := client.doJSON(cmd.Context(), "DELETE", "/v1/memories/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("forgotten")
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "messages to fetch")
	rootCmd.AddCommand(historyCmd, topicsCmd, memoriesCmd, forgetCmd)
}
