// Package blobhash computes git blob object ids for local files so they can be
// compared directly with the hashes reported by a git remote.
package blobhash

import (
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Sum returns the blob id of data, the SHA-1 of "blob <len>\x00" + data.
func Sum(data []byte) plumbing.Hash {
	return plumbing.ComputeHash(plumbing.BlobObject, data)
}

// File streams the file at path through a blob hasher. Any failure to stat,
// open or read the file yields false; callers treat that as a missing file.
func File(fs billy.Filesystem, path string) (plumbing.Hash, bool) {
	info, err := fs.Stat(path)
	if err != nil || info.IsDir() {
		return plumbing.ZeroHash, false
	}

	f, err := fs.Open(path)
	if err != nil {
		return plumbing.ZeroHash, false
	}
	defer func() {
		_ = f.Close()
	}()

	h := plumbing.NewHasher(plumbing.BlobObject, info.Size())
	n, err := io.Copy(h, f)
	if err != nil || n != info.Size() {
		return plumbing.ZeroHash, false
	}

	return h.Sum(), true
}
