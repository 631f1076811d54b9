package clientconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PARLEY_CONFIG_DIR", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8787", cfg.APIURL)
	require.Equal(t, 2*time.Minute, cfg.ChatsStaleTime())
	require.Equal(t, time.Minute, cfg.MessagesStaleTime())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "client.toml")
	cfg := Default()
	cfg.APIURL = "https://parley.example"
	cfg.Token = "tok"
	cfg.UserID = "u1"
	cfg.ChatsStaleSecs = 10

	require.NoError(t, Save(cfg, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://parley.example", loaded.APIURL)
	require.Equal(t, "tok", loaded.Token)
	require.Equal(t, 10*time.Second, loaded.ChatsStaleTime())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("api_url = \"http://file.example\"\nchats_stale_secs = 5\n"), 0o600))
	t.Setenv("PARLEY_API_URL", "http://env.example")
	t.Setenv("PARLEY_CHATS_STALE_SECS", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://env.example", cfg.APIURL)
	require.Equal(t, 42*time.Second, cfg.ChatsStaleTime())
}

func TestValidateRejectsBadURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("api_url = \"ftp://nope\"\n"), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "api_url")
}
