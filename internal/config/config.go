package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/ugit/internal/remote"
)

// FileName is the config file looked up in the local root.
const FileName = ".github.json"

// xdgFile is the fallback location below the XDG config directories.
const xdgFile = "ugit/github.json"

// ErrNotFound is returned by Locate when no config file exists.
var ErrNotFound = errors.New("config file not found")

// SourceKind selects how the remote snapshot is obtained
type SourceKind string

const (
	SourceGitHub SourceKind = "github"
	SourceClone  SourceKind = "clone"
)

// Config represents the complete ugit configuration
type Config struct {
	User      string     `yaml:"user"`
	Repo      string     `yaml:"repo"`
	Ref       string     `yaml:"ref"`
	Token     string     `yaml:"token"`
	TokenFile string     `yaml:"token_file"`
	Source    SourceKind `yaml:"source"`
	APIURL    string     `yaml:"api_url"`
	RawURL    string     `yaml:"raw_url"`
	CloneURL  string     `yaml:"clone_url"`

	Sync  SyncConfig  `yaml:"sync"`
	Serve ServeConfig `yaml:"serve"`
}

// SyncConfig configures which part of the repository is mirrored and what
// is left alone
type SyncConfig struct {
	Root           string   `yaml:"root"`
	Ignore         []string `yaml:"ignore"`
	IgnoreDotFiles *bool    `yaml:"ignore_dot_files"`
	IgnoreFile     string   `yaml:"ignore_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// New returns an empty configuration with defaults applied, for when the
// repository coordinates come from the command line only.
func New() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Locate returns the config file to use for localRoot: FileName inside the
// local root if present, otherwise ugit/github.json in the XDG config dirs.
func Locate(localRoot string) (string, error) {
	candidate := filepath.Join(localRoot, FileName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	path, err := xdg.SearchConfigFile(xdgFile)
	if err != nil {
		return "", fmt.Errorf("%w: looked for %s and %s in XDG config dirs", ErrNotFound, candidate, xdgFile)
	}
	return path, nil
}

// Load reads and parses the configuration file. JSON is a subset of YAML, so
// both .github.json and YAML files are accepted.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Save writes the repository coordinates as a JSON object with the keys
// user, repo, ref and token. The file is only readable by its owner since it
// may hold a token.
func Save(path, user, repo, ref, token string) error {
	data, err := json.Marshal(struct {
		User  string `json:"user"`
		Repo  string `json:"repo"`
		Ref   string `json:"ref"`
		Token string `json:"token"`
	}{user, repo, ref, token})
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.User = os.ExpandEnv(c.User)
	c.Repo = os.ExpandEnv(c.Repo)
	c.Ref = os.ExpandEnv(c.Ref)
	c.Token = os.ExpandEnv(c.Token)
	c.TokenFile = os.ExpandEnv(c.TokenFile)
	c.APIURL = os.ExpandEnv(c.APIURL)
	c.RawURL = os.ExpandEnv(c.RawURL)
	c.CloneURL = os.ExpandEnv(c.CloneURL)
	c.Sync.Root = os.ExpandEnv(c.Sync.Root)
	c.Sync.IgnoreFile = os.ExpandEnv(c.Sync.IgnoreFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source == "" {
		c.Source = SourceGitHub
	}
	if c.APIURL == "" {
		c.APIURL = remote.DefaultAPIURL
	}
	if c.RawURL == "" {
		c.RawURL = remote.DefaultRawURL
	}
	if c.CloneURL == "" && c.User != "" && c.Repo != "" {
		c.CloneURL = defaultCloneURL(c.User, c.Repo)
	}
	if c.Sync.Root == "" {
		c.Sync.Root = "/"
	}
	if c.Sync.IgnoreDotFiles == nil {
		on := true
		c.Sync.IgnoreDotFiles = &on
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
}

func defaultCloneURL(user, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", user, repo)
}

// Override replaces the repository coordinates with the non-empty values
// given and validates the result. A derived clone URL follows the new
// coordinates; an explicit one is kept.
func (c *Config) Override(user, repo, ref, token string) error {
	if (user != "" || repo != "") && c.CloneURL == defaultCloneURL(c.User, c.Repo) {
		c.CloneURL = ""
	}
	if user != "" {
		c.User = user
	}
	if repo != "" {
		c.Repo = repo
	}
	if ref != "" {
		c.Ref = ref
	}
	if token != "" {
		c.Token = token
		c.TokenFile = ""
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if c.Ref == "" {
		return fmt.Errorf("ref is required")
	}

	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("only one of token or token_file may be set")
	}

	switch c.Source {
	case SourceGitHub, SourceClone:
		// valid
	default:
		return fmt.Errorf("invalid source: %s (must be github or clone)", c.Source)
	}

	return nil
}

// ValidateServe checks the settings the webhook server needs.
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// IgnoreDotFiles reports whether paths with a dot segment are left alone.
func (c *Config) IgnoreDotFiles() bool {
	return c.Sync.IgnoreDotFiles == nil || *c.Sync.IgnoreDotFiles
}

// ResolveToken returns the configured token, reading token_file if set.
func (c *Config) ResolveToken() (string, error) {
	if c.TokenFile == "" {
		return c.Token, nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Endpoint returns the GitHub coordinates of the configured ref.
func (c *Config) Endpoint(token string) remote.Endpoint {
	return remote.Endpoint{
		APIURL: c.APIURL,
		RawURL: c.RawURL,
		User:   c.User,
		Repo:   c.Repo,
		Ref:    c.Ref,
		Token:  token,
	}
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.TokenFile != "" {
		return "token_file"
	}
	if c.Token != "" {
		return "token"
	}
	return "none"
}
