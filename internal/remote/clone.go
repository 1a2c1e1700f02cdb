package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/schaermu/ugit/internal/paths"
)

// Clone is a Source that clones the repository into memory with go-git and
// reads the snapshot from the resolved commit tree. It works with any git
// remote, not only GitHub.
type Clone struct {
	url    string
	ref    string
	token  string
	logger *zap.Logger

	open func(ctx context.Context) (*git.Repository, error)
	tree *object.Tree
}

// NewClone creates a Clone source for url at ref. A non-empty token is sent
// as HTTP basic auth the way GitHub expects installation tokens.
func NewClone(url, ref, token string, logger *zap.Logger) *Clone {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Clone{url: url, ref: ref, token: token, logger: logger}
	c.open = c.clone
	return c
}

// newRepoClone builds a Clone over an already opened repository.
func newRepoClone(repo *git.Repository, ref string) *Clone {
	return &Clone{
		url:    "memory",
		ref:    ref,
		logger: zap.NewNop(),
		open: func(context.Context) (*git.Repository, error) {
			return repo, nil
		},
	}
}

// Location returns the clone URL and ref.
func (c *Clone) Location() string {
	return c.url + "@" + c.ref
}

func (c *Clone) clone(ctx context.Context) (*git.Repository, error) {
	opts := &git.CloneOptions{
		URL:  c.url,
		Tags: git.AllTags,
	}
	if c.token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.token}
	}
	c.logger.Debug("cloning repository", zap.String("url", c.url))
	return git.CloneContext(ctx, memory.NewStorage(), nil, opts)
}

// Tree clones the repository, resolves the ref and lists its blobs.
func (c *Clone) Tree(ctx context.Context) ([]Entry, error) {
	tree, err := c.resolveTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTreeUnavailable, c.Location(), err)
	}
	c.tree = tree

	var entries []Entry
	err = tree.Files().ForEach(func(f *object.File) error {
		entries = append(entries, Entry{
			Path: paths.NormalizeAs(f.Name, false),
			Hash: f.Hash,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTreeUnavailable, c.Location(), err)
	}
	return entries, nil
}

func (c *Clone) resolveTree(ctx context.Context) (*object.Tree, error) {
	repo, err := c.open(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := resolveRef(repo, c.ref)
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", hash, err)
	}
	return commit.Tree()
}

// resolveRef tries the ref as given, then as a remote-tracking branch.
func resolveRef(repo *git.Repository, ref string) (*plumbing.Hash, error) {
	candidates := []string{ref}
	if !strings.HasPrefix(ref, "refs/") && !plumbing.IsHash(ref) {
		candidates = append(candidates, "origin/"+ref)
	}

	var errs []error
	for _, rev := range candidates {
		hash, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err == nil {
			return hash, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", rev, err))
	}
	return nil, errors.Join(errs...)
}

// Fetch reads gitPath from the tree resolved by the last Tree call.
func (c *Clone) Fetch(ctx context.Context, gitPath string) ([]byte, error) {
	if c.tree == nil {
		tree, err := c.resolveTree(ctx)
		if err != nil {
			return nil, err
		}
		c.tree = tree
	}

	f, err := c.tree.File(strings.TrimPrefix(paths.NormalizeAs(gitPath, false), "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", gitPath, err)
	}

	r, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", gitPath, err)
	}
	defer func() {
		_ = r.Close()
	}()

	return io.ReadAll(r)
}
