package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/ugit/internal/remote"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
user: north
repo: device
ref: main
sync:
  root: app/
  ignore:
    - secrets/
    - boot.py
  ignore_dot_files: false
  ignore_file: /etc/ugit/ignore
serve:
  listen_addr: "0.0.0.0:9000"
  github_webhook_secret_file: /etc/ugit/secret
  allowed_refs:
    - refs/heads/main
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "north", cfg.User)
	assert.Equal(t, "device", cfg.Repo)
	assert.Equal(t, "main", cfg.Ref)
	assert.Equal(t, SourceGitHub, cfg.Source)
	assert.Equal(t, "app/", cfg.Sync.Root)
	assert.Equal(t, []string{"secrets/", "boot.py"}, cfg.Sync.Ignore)
	assert.False(t, cfg.IgnoreDotFiles())
	assert.Equal(t, "/etc/ugit/ignore", cfg.Sync.IgnoreFile)
	assert.Equal(t, "0.0.0.0:9000", cfg.Serve.ListenAddr)
	assert.Equal(t, []string{"refs/heads/main"}, cfg.Serve.AllowedRefs)
}

func TestLoad_GitHubJSON(t *testing.T) {
	path := writeConfig(t, FileName, `{"user": "north", "repo": "device", "ref": "main", "token": "ghp_abc"}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ghp_abc", cfg.Token)
	assert.Equal(t, remote.DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, remote.DefaultRawURL, cfg.RawURL)
	assert.Equal(t, "https://github.com/north/device.git", cfg.CloneURL)
	assert.Equal(t, "/", cfg.Sync.Root)
	assert.True(t, cfg.IgnoreDotFiles())
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("UGIT_TEST_TOKEN", "from-env")
	path := writeConfig(t, "config.yaml", "user: north\nrepo: device\nref: main\ntoken: ${UGIT_TEST_TOKEN}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Load(writeConfig(t, FileName, `{"user": "north"`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Load(writeConfig(t, FileName, `{"user": "north", "repo": "device"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{User: "north", Repo: "device", Ref: "main", Source: SourceGitHub}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "clone source", mutate: func(c *Config) { c.Source = SourceClone }},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: true},
		{name: "missing repo", mutate: func(c *Config) { c.Repo = "" }, wantErr: true},
		{name: "missing ref", mutate: func(c *Config) { c.Ref = "" }, wantErr: true},
		{name: "unknown source", mutate: func(c *Config) { c.Source = "svn" }, wantErr: true},
		{
			name: "token and token file",
			mutate: func(c *Config) {
				c.Token = "a"
				c.TokenFile = "/token"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.ValidateServe())

	cfg.Serve.ListenAddr = "127.0.0.1:8787"
	assert.Error(t, cfg.ValidateServe())

	cfg.Serve.GitHubWebhookSecretFile = "/secret"
	assert.NoError(t, cfg.ValidateServe())
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{User: "north", Repo: "device"}
	cfg.applyDefaults()

	assert.Equal(t, SourceGitHub, cfg.Source)
	assert.Equal(t, "/", cfg.Sync.Root)
	assert.True(t, cfg.IgnoreDotFiles())
	assert.Equal(t, "127.0.0.1:8787", cfg.Serve.ListenAddr)

	// Explicit values must not be overwritten
	off := false
	cfg2 := Config{Source: SourceClone, CloneURL: "https://git.example.com/x.git", Sync: SyncConfig{IgnoreDotFiles: &off}}
	cfg2.applyDefaults()

	assert.Equal(t, SourceClone, cfg2.Source)
	assert.Equal(t, "https://git.example.com/x.git", cfg2.CloneURL)
	assert.False(t, cfg2.IgnoreDotFiles())
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	require.NoError(t, Save(path, "north", "device", "main", "ghp_abc"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]string{
		"user":  "north",
		"repo":  "device",
		"ref":   "main",
		"token": "ghp_abc",
	}, raw)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "north", cfg.User)
	assert.Equal(t, "ghp_abc", cfg.Token)
}

func TestLocate(t *testing.T) {
	t.Run("local root wins", func(t *testing.T) {
		root := t.TempDir()
		want := filepath.Join(root, FileName)
		require.NoError(t, os.WriteFile(want, []byte("{}"), 0o644))

		got, err := Locate(root)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("xdg fallback", func(t *testing.T) {
		configHome := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", configHome)
		xdg.Reload()
		t.Cleanup(xdg.Reload)

		want := filepath.Join(configHome, "ugit", "github.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(want), 0o755))
		require.NoError(t, os.WriteFile(want, []byte("{}"), 0o644))

		got, err := Locate(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("not found", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("XDG_CONFIG_DIRS", t.TempDir())
		xdg.Reload()
		t.Cleanup(xdg.Reload)

		_, err := Locate(t.TempDir())
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResolveToken(t *testing.T) {
	cfg := Config{Token: "inline"}
	token, err := cfg.ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "inline", token)

	file := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))
	cfg = Config{TokenFile: file}
	token, err = cfg.ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	cfg = Config{TokenFile: filepath.Join(t.TempDir(), "missing")}
	_, err = cfg.ResolveToken()
	assert.Error(t, err)
}

func TestEndpoint(t *testing.T) {
	cfg := Config{User: "north", Repo: "device", Ref: "main"}
	cfg.applyDefaults()

	ep := cfg.Endpoint("tok")
	assert.Equal(t, "https://api.github.com/repos/north/device/git/trees/main?recursive=1", ep.TreeURL())
	assert.Equal(t, "https://raw.githubusercontent.com/north/device/main", ep.RawBaseURL())
	assert.Equal(t, "tok", ep.Token)
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "token file set", cfg: Config{TokenFile: "/token"}, want: "token_file"},
		{name: "inline token", cfg: Config{Token: "abc"}, want: "token"},
		{name: "no auth", cfg: Config{}, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.AuthMethod())
		})
	}
}

func TestNewAndOverride(t *testing.T) {
	cfg := New()
	assert.Error(t, cfg.Override("", "", "", ""), "empty coordinates must not validate")

	require.NoError(t, cfg.Override("north", "device", "main", "tok"))
	assert.Equal(t, "north", cfg.User)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "https://github.com/north/device.git", cfg.CloneURL)
	assert.Equal(t, remote.DefaultAPIURL, cfg.APIURL)
}

func TestOverride(t *testing.T) {
	path := writeConfig(t, FileName, `{"user": "north", "repo": "device", "ref": "main", "token_file": "/run/token"}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Override("", "firmware", "", "inline"))
	assert.Equal(t, "north", cfg.User)
	assert.Equal(t, "firmware", cfg.Repo)
	assert.Equal(t, "main", cfg.Ref)
	assert.Equal(t, "inline", cfg.Token)
	assert.Empty(t, cfg.TokenFile)
	assert.Equal(t, "https://github.com/north/firmware.git", cfg.CloneURL)

	cfg.CloneURL = "https://git.example.com/mirror.git"
	require.NoError(t, cfg.Override("south", "", "", ""))
	assert.Equal(t, "https://git.example.com/mirror.git", cfg.CloneURL)
}
