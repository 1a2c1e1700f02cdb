package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/schaermu/ugit/internal/paths"
)

// Default GitHub endpoints.
const (
	DefaultAPIURL = "https://api.github.com"
	DefaultRawURL = "https://raw.githubusercontent.com"
)

// Endpoint identifies a repository ref on GitHub.
type Endpoint struct {
	APIURL string
	RawURL string
	User   string
	Repo   string
	Ref    string
	Token  string
}

// TreeURL is the recursive git tree endpoint of the ref.
func (e Endpoint) TreeURL() string {
	return fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1",
		strings.TrimSuffix(orDefault(e.APIURL, DefaultAPIURL), "/"),
		e.User, e.Repo, url.PathEscape(e.Ref))
}

// RawBaseURL is the prefix that an escaped rooted git path is appended to.
// A ref containing "/" keeps it as a separator.
func (e Endpoint) RawBaseURL() string {
	return fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimSuffix(orDefault(e.RawURL, DefaultRawURL), "/"),
		url.PathEscape(e.User), url.PathEscape(e.Repo), escapeSegments(paths.Split(e.Ref)))
}

// RawURLFor is the raw content URL of gitPath.
func (e Endpoint) RawURLFor(gitPath string) string {
	return e.RawBaseURL() + "/" + escapeSegments(paths.Split(gitPath))
}

func escapeSegments(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.Join(escaped, "/")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GitHub is a Source backed by the GitHub REST and raw content endpoints.
type GitHub struct {
	endpoint Endpoint
	client   *http.Client
	logger   *zap.Logger
}

// GitHubOption configures a GitHub source.
type GitHubOption func(*GitHub)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(c *http.Client) GitHubOption {
	return func(g *GitHub) {
		g.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GitHubOption {
	return func(g *GitHub) {
		g.logger = l
	}
}

// NewGitHub creates a GitHub source for the endpoint.
func NewGitHub(endpoint Endpoint, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Minute},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Location returns the raw content base URL.
func (g *GitHub) Location() string {
	return g.endpoint.RawBaseURL()
}

type treeResponse struct {
	Tree      *[]treeItem `json:"tree"`
	Truncated bool        `json:"truncated"`
	Message   string      `json:"message"`
}

type treeItem struct {
	Type string `json:"type"`
	Path string `json:"path"`
	SHA  string `json:"sha"`
}

// Tree fetches the recursive tree of the ref and returns its blobs.
func (g *GitHub) Tree(ctx context.Context) ([]Entry, error) {
	treeURL := g.endpoint.TreeURL()
	resp, err := g.get(ctx, treeURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTreeUnavailable, treeURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var data treeResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: %s: status %d: %v", ErrTreeUnavailable, treeURL, resp.StatusCode, err)
	}
	if data.Tree == nil {
		if data.Message != "" {
			return nil, fmt.Errorf("%w: %s: status %d: %s", ErrTreeUnavailable, treeURL, resp.StatusCode, data.Message)
		}
		return nil, fmt.Errorf("%w: %s: status %d", ErrTreeUnavailable, treeURL, resp.StatusCode)
	}
	if data.Truncated {
		g.logger.Warn("remote tree listing is truncated, some files will be treated as absent", zap.String("url", treeURL))
	}

	entries := make([]Entry, 0, len(*data.Tree))
	for _, item := range *data.Tree {
		if item.Type != "blob" {
			continue
		}
		entries = append(entries, Entry{
			Path: paths.NormalizeAs(item.Path, false),
			Hash: plumbing.NewHash(item.SHA),
		})
	}

	g.logger.Debug("fetched remote tree", zap.String("url", treeURL), zap.Int("files", len(entries)))
	return entries, nil
}

// Fetch downloads the raw content of gitPath.
func (g *GitHub) Fetch(ctx context.Context, gitPath string) ([]byte, error) {
	rawURL := g.endpoint.RawURLFor(gitPath)
	resp, err := g.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return data, nil
}

func (g *GitHub) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	if g.endpoint.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.endpoint.Token)
	}
	return g.client.Do(req)
}
