package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"parley/internal/chatsync"
	"parley/internal/clientconfig"
	"parley/internal/clientlog"
	"parley/internal/localstore"
	"parley/internal/model"
	"parley/internal/query"
	"parley/internal/remote"
	"parley/internal/userstore"
)

var errNotSignedIn = errors.New("not signed in; run `parley login` first")

// cli holds what every command shares: flags, config, logger and the API
// client. Stores are opened per command by withSession.
type cli struct {
	out    io.Writer
	errOut io.Writer
	log    *clientlog.Logger

	verbose    bool
	configPath string
	apiURL     string
	format     string

	cfg    *clientconfig.Config
	client *remote.Client
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut, log: clientlog.New(errOut, clientlog.LevelWarn)}

	root := &cobra.Command{
		Use:   "parley",
		Short: "Chat with parley from the terminal",
		Long: `parley talks to a parley API server.

The chat list and messages are cached locally, so listing works offline and
edits show up immediately while the server confirms them.

Quick Start:
  parley login Ada                 # sign in (no name for a guest)
  parley chats new "Trip ideas"    # create and select a chat
  parley send "Where should I go?" # ask in the selected chat
  parley sources                   # list the answer's sources`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Config file (default ~/.config/parley/client.toml)")
	root.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "Override the API server URL")
	root.PersistentFlags().StringVarP(&c.format, "output", "o", formatTable, "Output format: table, yaml or json")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.chatsCmd(),
		c.messagesCmd(),
		c.sendCmd(),
		c.sourcesCmd(),
		c.feedbackCmd(),
	)
	return root
}

func (c *cli) setup() error {
	c.log.SetVerbose(c.verbose)
	switch c.format {
	case formatTable, formatYAML, formatJSON:
	default:
		return fmt.Errorf("unknown output format %q", c.format)
	}

	if c.configPath == "" {
		path, err := clientconfig.DefaultPath()
		if err != nil {
			return err
		}
		c.configPath = path
	}
	cfg, err := clientconfig.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.apiURL != "" {
		cfg.APIURL = c.apiURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	c.cfg = cfg
	c.log.Debugf("config %s, api %s", c.configPath, cfg.APIURL)

	c.client = remote.NewClient(cfg.APIURL, &http.Client{Timeout: cfg.RequestTimeout()})
	c.client.SetToken(cfg.Token)
	return nil
}

// streamClient has no overall timeout; the command context bounds it.
func (c *cli) streamClient() *remote.Client {
	client := remote.NewClient(c.cfg.APIURL, &http.Client{})
	client.SetToken(c.client.Token())
	return client
}

func (c *cli) saveSession(session model.Session) error {
	c.cfg.Token = session.Token
	c.cfg.RefreshToken = session.RefreshToken
	c.cfg.UserID = session.UserID
	c.cfg.UserName = session.UserName
	return clientconfig.Save(c.cfg, c.configPath)
}

type session struct {
	sync    *chatsync.Synchronizer
	users   *userstore.Store
	store   *localstore.Store
	closers []io.Closer
}

func (s *session) Close() {
	s.sync.Close()
	for _, closer := range s.closers {
		_ = closer.Close()
	}
}

// withSession opens the local caches for the signed-in user and runs fn with
// the synchronizer attached to ctx. An expired access token is refreshed
// once and fn is run again.
func (c *cli) withSession(ctx context.Context, fn func(ctx context.Context, sess *session) error) error {
	if c.cfg.Token == "" {
		return errNotSignedIn
	}
	sess, err := c.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx = chatsync.NewContext(ctx, sess.sync)
	err = fn(ctx, sess)
	if !remote.IsUnauthorized(err) || c.cfg.RefreshToken == "" {
		return err
	}
	c.log.Infof("access token rejected, refreshing session")
	refreshed, refreshErr := c.client.Refresh(ctx, c.cfg.RefreshToken)
	if refreshErr != nil {
		return fmt.Errorf("session expired, run `parley login`: %w", err)
	}
	if err := c.saveSession(refreshed); err != nil {
		c.log.Warnf("failed to save refreshed session: %v", err)
	}
	return fn(ctx, sess)
}

func (c *cli) openSession(ctx context.Context) (*session, error) {
	persister, closer, err := c.openPersister(ctx)
	if err != nil {
		return nil, err
	}
	store, err := localstore.Open(ctx, persister, "chats:"+c.cfg.UserID)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	store.OnPersistError(func(err error) { c.log.Warnf("%v", err) })

	queries := query.NewClient()
	users := userstore.New(c.client, queries, userstore.Options{
		StaleTime: c.cfg.UserStaleTime(),
		Persister: persister,
		Key:       "user:" + c.cfg.UserID,
	})
	synchronizer := chatsync.New(c.client, store, chatsync.Options{
		UserID:            c.cfg.UserID,
		ChatsStaleTime:    c.cfg.ChatsStaleTime(),
		MessagesStaleTime: c.cfg.MessagesStaleTime(),
		Notifier:          c.notifier(),
		Queries:           queries,
	})
	return &session{sync: synchronizer, users: users, store: store, closers: []io.Closer{closer}}, nil
}

// openPersister prefers Redis when configured and falls back to the SQLite
// file when Redis cannot be reached.
func (c *cli) openPersister(ctx context.Context) (localstore.Persister, io.Closer, error) {
	if strings.TrimSpace(c.cfg.RedisURL) != "" {
		p, err := localstore.NewRedisPersister(ctx, c.cfg.RedisURL, c.cfg.SnapshotTTL())
		if err == nil {
			c.log.Debugf("using redis snapshot store")
			return p, p, nil
		}
		c.log.Warnf("redis snapshot store unavailable, using %s: %v", c.cfg.SnapshotPath, err)
	}
	p, err := localstore.OpenSQLite(c.cfg.SnapshotPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return p, p, nil
}

func (c *cli) notifier() chatsync.Notifier {
	return chatsync.NotifierFunc(func(level chatsync.Level, msg string) {
		if level == chatsync.LevelError {
			fmt.Fprintln(c.errOut, errorStyle.Render("✗ "+msg))
			return
		}
		fmt.Fprintln(c.errOut, noteStyle.Render(msg))
	})
}

func isAuthFailure(err error) bool {
	return remote.IsUnauthorized(err) || errors.Is(err, remote.ErrNotAuthenticated)
}
