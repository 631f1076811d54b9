package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"parley/internal/chatsync"
	"parley/internal/sources"
)

func (c *cli) sourcesCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "sources [file]",
		Short: "List the sources cited in a chat, or in a file of message parts",
		Long: `Without a file, list the sources the server found in a chat's messages.

With a file (or - for stdin), normalize it locally. The file holds either a
JSON array of message parts or a message object with a "parts" array.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				raw, err := readInput(cmd.InOrStdin(), args[0])
				if err != nil {
					return err
				}
				views := sourceViews(sources.NormalizeJSON(partsOf(raw)))
				return c.render(views, func(w io.Writer) { writeSources(w, views) })
			}
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				target := chatID
				if target == "" {
					target = chatsync.FromContext(ctx).CurrentChatID()
				}
				if target == "" {
					return errNoChatSelected
				}
				srcs, err := c.client.ChatSources(ctx, target)
				if err != nil {
					return err
				}
				views := sourceViews(srcs)
				return c.render(views, func(w io.Writer) { writeSources(w, views) })
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "Chat to read (default: the selected chat)")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return raw, nil
}

// partsOf unwraps {"parts": [...]} and returns anything else unchanged.
func partsOf(raw []byte) []byte {
	var msg struct {
		Parts json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(raw, &msg); err == nil && len(msg.Parts) > 0 {
		return msg.Parts
	}
	return raw
}
