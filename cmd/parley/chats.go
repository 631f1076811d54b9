package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"parley/internal/chatsync"
	"parley/internal/model"
)

func (c *cli) chatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "chats",
		Aliases: []string{"chat"},
		Short:   "List and manage chats",
	}
	cmd.AddCommand(
		c.chatsListCmd(),
		c.chatsNewCmd(),
		c.chatsRenameCmd(),
		c.chatsRemoveCmd(),
		c.chatsBumpCmd(),
		c.chatsUseCmd(),
	)
	return cmd
}

func (c *cli) chatsListCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List chats, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				if !offline {
					if err := c.loadChats(ctx); err != nil {
						return err
					}
				}
				return c.printChats(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Show the cached list without asking the server")
	return cmd
}

func (c *cli) chatsNewCmd() *cobra.Command {
	var draft model.Draft
	cmd := &cobra.Command{
		Use:   "new [title]",
		Short: "Create a chat and select it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				draft.Title = args[0]
			}
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				if err := c.loadChats(ctx); err != nil {
					return err
				}
				syncer := chatsync.FromContext(ctx)
				chat, err := syncer.CreateChat(ctx, draft)
				if err != nil {
					return err
				}
				if err := syncer.SetCurrentChatID(ctx, chat.ID); err != nil {
					c.log.Warnf("failed to load messages: %v", err)
				}
				fmt.Fprintln(c.out, successStyle.Render("Created "+chat.Title)+" "+idStyle.Render(chat.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&draft.Model, "model", "", "Model for this chat")
	cmd.Flags().StringVar(&draft.SystemPrompt, "system", "", "System prompt for this chat")
	return cmd
}

func (c *cli) chatsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <chat-id> <title>",
		Short: "Rename a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				if err := c.loadChats(ctx); err != nil {
					return err
				}
				if err := chatsync.FromContext(ctx).UpdateTitle(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(c.out, successStyle.Render("Renamed to "+args[1]))
				return nil
			})
		},
	}
}

func (c *cli) chatsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <chat-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a chat and its messages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				if err := c.loadChats(ctx); err != nil {
					return err
				}
				if err := chatsync.FromContext(ctx).DeleteChat(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(c.out, successStyle.Render("Deleted "+args[0]))
				return nil
			})
		},
	}
}

func (c *cli) chatsBumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bump <chat-id>",
		Short: "Move a chat to the top of the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				if err := c.loadChats(ctx); err != nil {
					return err
				}
				if err := chatsync.FromContext(ctx).BumpChat(ctx, args[0]); err != nil {
					return err
				}
				return c.printChats(ctx)
			})
		},
	}
}

func (c *cli) chatsUseCmd() *cobra.Command {
	var clearSelection bool
	cmd := &cobra.Command{
		Use:   "use [chat-id]",
		Short: "Select the chat other commands work on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !clearSelection {
				return errors.New("give a chat id, or --clear")
			}
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				syncer := chatsync.FromContext(ctx)
				if clearSelection {
					return syncer.SetCurrentChatID(ctx, "")
				}
				if err := c.loadChats(ctx); err != nil {
					return err
				}
				chat, ok := syncer.GetChatByID(args[0])
				if !ok {
					return fmt.Errorf("chat %s not found", args[0])
				}
				if err := syncer.SetCurrentChatID(ctx, chat.ID); err != nil {
					c.log.Warnf("failed to load messages: %v", err)
				}
				fmt.Fprintln(c.out, successStyle.Render("Using "+chat.Title)+" "+idStyle.Render(chat.ID))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearSelection, "clear", false, "Clear the selection")
	return cmd
}

// loadChats refreshes the chat list. Failures other than an expired session
// leave the cached list in place and only warn.
func (c *cli) loadChats(ctx context.Context) error {
	syncer := chatsync.FromContext(ctx)
	if err := syncer.RefreshChats(ctx); err != nil {
		if isAuthFailure(err) {
			return err
		}
		c.log.Warnf("showing cached chats: %v", err)
	}
	return nil
}

func (c *cli) printChats(ctx context.Context) error {
	syncer := chatsync.FromContext(ctx)
	views := chatViews(syncer.Chats(), syncer.CurrentChatID())
	return c.render(views, func(w io.Writer) { writeChats(w, views) })
}
