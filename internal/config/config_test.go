package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
bot:
  token: "123:abc"
admins: [100, 200]
registration:
  require_surname: true
`))
	require.NoError(t, err)
	require.Equal(t, TransportTG, cfg.Bot.Transport)
	require.Equal(t, []int64{100, 200}, cfg.Admins)
	require.Equal(t, "crewline.db", cfg.Storage.Path)
	require.Equal(t, "/v0", cfg.HTTP.BasePath)
	require.Equal(t, 4, cfg.Notify.Concurrency)
	require.True(t, cfg.Registration.RequireSurname)
}

func TestFromYAMLRejectsUnknownKeys(t *testing.T) {
	_, err := FromYAML([]byte("bot:\n  tokn: x\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing token", func(c *Config) { c.Bot.Token = "" }, false},
		{"webhook without url", func(c *Config) { c.Bot.Transport = TransportWebhook }, false},
		{"webhook with url", func(c *Config) { c.Bot.Transport = TransportWebhook; c.Bot.WebhookURL = "http://hook" }, true},
		{"bad transport", func(c *Config) { c.Bot.Transport = "smoke" }, false},
		{"negative admin", func(c *Config) { c.Admins = []int64{-1} }, false},
		{"duplicate admin", func(c *Config) { c.Admins = []int64{7, 7} }, false},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Bot.Token = "tok"
			tc.mut(cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crewline.yml")
	require.NoError(t, os.WriteFile(path, []byte("bot:\n  token: from-file\nadmins: [1]\n"), 0o644))

	t.Setenv("CREWLINE_BOT_TOKEN", "from-env")
	t.Setenv("ADMIN_IDS", "10, 20,,30")
	t.Setenv("DATABASE_URL", "sqlite:///construction.db")
	t.Setenv("CREWLINE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Bot.Token)
	require.Equal(t, []int64{10, 20, 30}, cfg.Admins)
	require.Equal(t, "construction.db", cfg.Storage.Path)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
}

func TestParseAdminIDs(t *testing.T) {
	ids, err := ParseAdminIDs(" 5 ,6")
	require.NoError(t, err)
	require.Equal(t, []int64{5, 6}, ids)

	_, err = ParseAdminIDs("5,abc")
	require.Error(t, err)
}

func TestAdminSetReplace(t *testing.T) {
	set := NewAdminSet([]int64{3, 1})
	require.True(t, set.IsAdmin(1))
	require.False(t, set.IsAdmin(2))
	require.Equal(t, []int64{1, 3}, set.IDs())

	set.Replace([]int64{2})
	require.False(t, set.IsAdmin(1))
	require.True(t, set.IsAdmin(2))

	var nilSet *AdminSet
	require.False(t, nilSet.IsAdmin(2))
}
