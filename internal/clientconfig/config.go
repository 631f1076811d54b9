// Package clientconfig loads the parley CLI settings from
// ~/.config/parley/client.toml, with PARLEY_* environment overrides.
package clientconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	APIURL string `toml:"api_url"`

	// Session, written back by `parley login`.
	Token        string `toml:"token"`
	RefreshToken string `toml:"refresh_token"`
	UserID       string `toml:"user_id"`
	UserName     string `toml:"user_name"`

	// SnapshotPath is the SQLite file that keeps the local chat cache.
	SnapshotPath string `toml:"snapshot_path"`
	// RedisURL switches snapshot persistence to Redis when set.
	RedisURL           string `toml:"redis_url"`
	SnapshotTTLSecs    int    `toml:"snapshot_ttl_secs"`
	ChatsStaleSecs     int    `toml:"chats_stale_secs"`
	MessagesStaleSecs  int    `toml:"messages_stale_secs"`
	UserStaleSecs      int    `toml:"user_stale_secs"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
}

func Default() *Config {
	dir, err := Dir()
	if err != nil {
		dir = "."
	}
	return &Config{
		APIURL:             "http://localhost:8787",
		SnapshotPath:       filepath.Join(dir, "snapshot.db"),
		SnapshotTTLSecs:    7 * 24 * 3600,
		ChatsStaleSecs:     120,
		MessagesStaleSecs:  60,
		UserStaleSecs:      300,
		RequestTimeoutSecs: 30,
	}
}

// Dir is ~/.config/parley, or $PARLEY_CONFIG_DIR when set.
func Dir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("PARLEY_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(base, "parley"), nil
}

func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "client.toml"), nil
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PARLEY_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("PARLEY_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("PARLEY_SNAPSHOT_PATH"); v != "" {
		c.SnapshotPath = v
	}
	if v := os.Getenv("PARLEY_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	overrideInt(&c.ChatsStaleSecs, "PARLEY_CHATS_STALE_SECS")
	overrideInt(&c.MessagesStaleSecs, "PARLEY_MESSAGES_STALE_SECS")
	overrideInt(&c.UserStaleSecs, "PARLEY_USER_STALE_SECS")
	overrideInt(&c.RequestTimeoutSecs, "PARLEY_REQUEST_TIMEOUT_SECS")
}

func overrideInt(target *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if value, err := strconv.Atoi(raw); err == nil {
		*target = value
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("api_url is required")
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("api_url %q must start with http:// or https://", c.APIURL)
	}
	for name, value := range map[string]int{
		"chats_stale_secs":     c.ChatsStaleSecs,
		"messages_stale_secs":  c.MessagesStaleSecs,
		"user_stale_secs":      c.UserStaleSecs,
		"request_timeout_secs": c.RequestTimeoutSecs,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Save writes the config with owner-only permissions since it holds tokens.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func (c *Config) ChatsStaleTime() time.Duration    { return seconds(c.ChatsStaleSecs) }
func (c *Config) MessagesStaleTime() time.Duration { return seconds(c.MessagesStaleSecs) }
func (c *Config) UserStaleTime() time.Duration     { return seconds(c.UserStaleSecs) }
func (c *Config) RequestTimeout() time.Duration    { return seconds(c.RequestTimeoutSecs) }
func (c *Config) SnapshotTTL() time.Duration       { return seconds(c.SnapshotTTLSecs) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
