package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) feedbackCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:       "feedback <message-id> <up|down>",
		Short:     "Rate an answer",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			rating := args[1]
			if rating != "up" && rating != "down" {
				return fmt.Errorf("rating must be up or down, got %q", rating)
			}
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				saved, err := c.client.SendFeedback(ctx, args[0], rating, comment)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, successStyle.Render(fmt.Sprintf("Rated %s %s", saved.MessageID, saved.Rating)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "Optional comment")
	return cmd
}
