package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"parley/internal/chatsync"
	"parley/internal/model"
	"parley/internal/sources"
)

var errNoChatSelected = errors.New("no chat selected; run `parley chats use <id>` or pass --chat")

func (c *cli) messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages [chat-id]",
		Short: "Show the messages of a chat (the selected one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				syncer := chatsync.FromContext(ctx)
				chatID := syncer.CurrentChatID()
				if len(args) == 1 {
					chatID = args[0]
				}
				if chatID == "" {
					return errNoChatSelected
				}
				if err := syncer.SetCurrentChatID(ctx, chatID); err != nil {
					if isAuthFailure(err) {
						return err
					}
					c.log.Warnf("showing cached messages: %v", err)
				}
				views := messageViews(syncer.Messages())
				return c.render(views, func(w io.Writer) { writeMessages(w, views) })
			})
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var chatID, modelName string
	var newChat bool
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Ask in a chat and stream the answer",
		Long: `Send a message to the selected chat, or a new one with --new, and print
the answer as it streams in, followed by its sources.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.TrimSpace(strings.Join(args, " "))
			if content == "" {
				return errors.New("message is empty")
			}
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				syncer := chatsync.FromContext(ctx)
				target := chatID
				if target == "" && !newChat {
					target = syncer.CurrentChatID()
				}
				if target == "" {
					if err := c.loadChats(ctx); err != nil {
						return err
					}
					chat, err := syncer.CreateChat(ctx, model.Draft{Title: titleFrom(content), Model: modelName})
					if err != nil {
						return err
					}
					target = chat.ID
				}
				if err := syncer.SetCurrentChatID(ctx, target); err != nil && isAuthFailure(err) {
					return err
				}

				msg, err := c.streamClient().Complete(ctx, target, model.CompletionRequest{Content: content, Model: modelName}, func(part sources.MessagePart) error {
					switch part.Type {
					case sources.PartText:
						_, err := io.WriteString(c.out, part.Text)
						return err
					case sources.PartReasoning:
						c.log.Debugf("reasoning: %s", part.Reasoning)
					}
					return nil
				})
				fmt.Fprintln(c.out)
				if err != nil {
					return err
				}

				if err := syncer.BumpChat(ctx, target); err != nil {
					c.log.Warnf("failed to move chat to the top: %v", err)
				}
				if srcs := sources.Normalize(msg.Parts); len(srcs) > 0 && c.format == formatTable {
					fmt.Fprintln(c.out)
					writeSources(c.out, sourceViews(srcs))
				}
				c.log.Infof("answer %s stored in chat %s", msg.ID, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "Chat to send to (default: the selected chat)")
	cmd.Flags().BoolVar(&newChat, "new", false, "Start a new chat")
	cmd.Flags().StringVar(&modelName, "model", "", "Model for this answer")
	return cmd
}

func titleFrom(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	runes := []rune(strings.TrimSpace(line))
	if len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return string(runes)
}
