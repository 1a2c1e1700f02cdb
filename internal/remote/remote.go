// Package remote lists and fetches the files of a remote git tree snapshot.
package remote

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
)

// UserAgent identifies ugit to remote endpoints.
const UserAgent = "ugit"

// ErrTreeUnavailable is returned when the remote tree snapshot cannot be
// obtained (unknown repo or ref, authentication failure, malformed reply).
var ErrTreeUnavailable = errors.New("remote tree unavailable")

// Entry is one file of the remote tree.
type Entry struct {
	// Path is the normalized file path within the repository, e.g. "/app/main.py".
	Path string
	// Hash is the git blob id of the file content.
	Hash plumbing.Hash
}

// Source provides a remote tree snapshot and the content of its files.
type Source interface {
	// Tree returns every file of the snapshot in listing order.
	Tree(ctx context.Context) ([]Entry, error)
	// Fetch returns the content of the file at gitPath.
	Fetch(ctx context.Context, gitPath string) ([]byte, error)
	// Location describes where files are pulled from.
	Location() string
}
