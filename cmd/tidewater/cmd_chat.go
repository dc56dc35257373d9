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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/Tidewater/services/orchestrator/datatypes"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	chatConversationID string
	chatSpeed          string
	chatForceSearch    bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Stream a chat turn (or an interactive session) against the orchestrator",
	Long: `With a message argument, streams one turn and exits. Without one,
starts an interactive session: each line is a turn in the same conversation,
Ctrl-C aborts the in-flight reply, Ctrl-D ends the session.

Without --conversation a fresh conversation is created first.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversationID, "conversation", "c", "",
		"conversation id to continue (default: create a new one)")
	chatCmd.Flags().StringVar(&chatSpeed, "speed", "auto",
		"speed preference: auto, fast, or quality")
	chatCmd.Flags().BoolVar(&chatForceSearch, "search", false,
		"force a live web search this turn")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newAPIClient()
	interactive := isatty.IsTerminal(os.Stdout.Fd())

	conversationID := chatConversationID
	if conversationID == "" {
		var conv datatypes.Conversation
		if err := client.doJSON(ctx, "POST", "/v1/conversations", map[string]string{}, &conv); err != nil {
			return fmt.Errorf("creating conversation: %w", err)
		}
		conversationID = conv.ID
		if interactive {
			fmt.Printf("conversation %s\n", conversationID)
		}
	}

	if len(args) > 0 {
		return streamTurn(ctx, client, conversationID, strings.Join(args, " "), interactive)
	}

	// Interactive session: one turn per stdin line. Each turn gets its own
	// signal context so Ctrl-C aborts the reply, not the session.
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), datatypes.MaxMessageContentBytes)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}

		turnCtx, turnStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		err := streamTurn(turnCtx, client, conversationID, message, interactive)
		aborted := turnCtx.Err() != nil
		turnStop()
		if err != nil {
			if aborted {
				fmt.Fprintln(os.Stderr, "\n(aborted)")
				continue
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// streamTurn sends one turn and renders the NDJSON stream as it arrives.
func streamTurn(ctx context.Context, client *apiClient, conversationID, message string, interactive bool) error {
	body := map[string]any{
		"request_id":        uuid.NewString(),
		"timestamp":         datatypes.NowMillis(),
		"conversation_id":   conversationID,
		"message":           message,
		"speed_preference":  chatSpeed,
		"force_live_search": chatForceSearch,
	}

	stream, err := client.openStream(ctx, "/v1/chat/stream", body)
	if err != nil {
		return err
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	wroteText := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev datatypes.WireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return fmt.Errorf("malformed stream line: %w", err)
		}

		switch ev.Type {
		case datatypes.WireEventModelInfo:
			if interactive && ev.ModelInfo != nil {
				fmt.Fprintf(os.Stderr, "[%s]\n", ev.ModelInfo.Model)
			}
		case datatypes.WireEventStatus:
			renderStatus(ev.Status, interactive)
		case datatypes.WireEventPreamble:
			if interactive {
				fmt.Fprint(os.Stderr, ev.Preamble)
			}
		case datatypes.WireEventToken:
			fmt.Print(ev.Token)
			wroteText = true
		case datatypes.WireEventError:
			if wroteText {
				fmt.Println()
			}
			return fmt.Errorf("stream error: %s", ev.Error)
		case datatypes.WireEventDone:
			if wroteText {
				fmt.Println()
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return fmt.Errorf("stream ended without a done event")
}

// renderStatus prints tool lifecycle lines to stderr so they never mix with
// the reply text on stdout. Pings and progress are noise outside a terminal.
func renderStatus(st *datatypes.StatusEvent, interactive bool) {
	if st == nil || !interactive {
		return
	}
	switch st.Type {
	case datatypes.StatusSearchStart:
		fmt.Fprintln(os.Stderr, "… searching the web")
	case datatypes.StatusSearchDomain:
		fmt.Fprintf(os.Stderr, "  • %s\n", st.Domain)
	case datatypes.StatusSearchComplete:
		fmt.Fprintln(os.Stderr, "… search complete")
	case datatypes.StatusCodeExecStart:
		fmt.Fprintln(os.Stderr, "… running code")
	case datatypes.StatusCodeExecComplete:
		fmt.Fprintln(os.Stderr, "… code finished")
	case datatypes.StatusFileStart:
		fmt.Fprintln(os.Stderr, "… writing a file")
	case datatypes.StatusFileComplete:
		fmt.Fprintln(os.Stderr, "… file ready")
	case datatypes.StatusToolError:
		fmt.Fprintf(os.Stderr, "! tool failed: %s\n", st.Detail)
	}
}
