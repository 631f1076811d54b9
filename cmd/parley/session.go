package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"parley/internal/clientconfig"
	"parley/internal/model"
)

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [name]",
		Short: "Sign in by display name, or as a guest without one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			session, err := c.client.Login(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if err := c.saveSession(session); err != nil {
				return fmt.Errorf("failed to save session: %w", err)
			}
			who := session.UserName
			if session.Anonymous {
				who += " (guest)"
			}
			fmt.Fprintln(c.out, successStyle.Render("Signed in as "+who))
			return nil
		},
	}
}

func (c *cli) logoutCmd() *cobra.Command {
	var everywhere bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Token == "" {
				return errNotSignedIn
			}
			ctx := cmd.Context()
			sess, err := c.openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			if everywhere {
				count, err := c.client.LogoutEverywhere(ctx)
				if err != nil {
					return fmt.Errorf("logout failed: %w", err)
				}
				c.log.Infof("revoked %d session(s)", count)
			} else if err := c.client.Logout(ctx, c.cfg.RefreshToken); err != nil {
				c.log.Warnf("server logout failed: %v", err)
			}

			if err := sess.users.Clear(ctx); err != nil {
				c.log.Warnf("%v", err)
			}
			if err := sess.store.Reset(ctx); err != nil {
				c.log.Warnf("%v", err)
			}
			if err := c.saveSession(model.Session{}); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintln(c.out, successStyle.Render("Signed out"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&everywhere, "all", false, "Sign out every device of this account")
	return cmd
}

func (c *cli) whoamiCmd() *cobra.Command {
	var name, preferredModel, prompt string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show, or change, the signed-in profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd.Context(), func(ctx context.Context, sess *session) error {
				initial := &model.UserProfile{ID: c.cfg.UserID, DisplayName: c.cfg.UserName}
				user := sess.users.Resolve(ctx, initial)
				if err := sess.users.Err(); err != nil {
					if isAuthFailure(err) {
						return err
					}
					c.log.Warnf("showing cached profile: %v", err)
				}

				var patch model.UserPatch
				flags := cmd.Flags()
				if flags.Changed("name") {
					patch.DisplayName = &name
				}
				if flags.Changed("model") {
					patch.PreferredModel = &preferredModel
				}
				if flags.Changed("prompt") {
					patch.SystemPrompt = &prompt
				}
				if patch != (model.UserPatch{}) {
					saved, err := sess.users.Update(ctx, patch)
					if err != nil {
						return fmt.Errorf("failed to update profile: %w", err)
					}
					user = &saved
					if patch.DisplayName != nil {
						c.cfg.UserName = saved.DisplayName
						if err := clientconfig.Save(c.cfg, c.configPath); err != nil {
							c.log.Warnf("failed to save config: %v", err)
						}
					}
				}

				view := newUserView(user)
				return c.render(view, func(w io.Writer) { writeUser(w, view) })
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Set the display name")
	cmd.Flags().StringVar(&preferredModel, "model", "", "Set the preferred model")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Set the default system prompt")
	return cmd
}
