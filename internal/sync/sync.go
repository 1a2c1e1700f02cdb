package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/schaermu/ugit/internal/blobhash"
	"github.com/schaermu/ugit/internal/ignore"
	"github.com/schaermu/ugit/internal/local"
	"github.com/schaermu/ugit/internal/paths"
	"github.com/schaermu/ugit/internal/remote"
)

const logPrefix = "ugit: "

// Engine mirrors a remote tree snapshot onto a device filesystem.
type Engine struct {
	fs     billy.Filesystem
	source remote.Source
	logger *zap.Logger
	out    io.Writer
	self   string
	dryRun bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithOutput sets where status lines are written. Without it nothing is printed.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) {
		e.out = w
	}
}

// WithSelf sets the device path of the running program. It is never
// overwritten or deleted.
func WithSelf(path string) Option {
	return func(e *Engine) {
		e.self = path
	}
}

// WithDryRun makes the engine report decisions without touching the
// filesystem or downloading anything.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// NewEngine creates a new sync engine. fs is rooted at the device root.
func NewEngine(fs billy.Filesystem, source remote.Source, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		fs:     fs,
		source: source,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PullOptions scopes a pull.
type PullOptions struct {
	// GitRoot is the repository subtree mapped onto the device root.
	GitRoot string
	// Ignore lists device paths to leave alone. Entries ending in "/" cover
	// whole directories.
	Ignore []string
	// IgnoreDotFiles leaves every path with a segment starting with "." alone.
	IgnoreDotFiles bool
	// Patterns are additional gitignore-style patterns.
	Patterns []string
	// PatternFile is a gitignore-style file with additional patterns.
	PatternFile string
}

// DefaultPullOptions mirrors the whole repository and skips dotfiles.
func DefaultPullOptions() PullOptions {
	return PullOptions{IgnoreDotFiles: true}
}

// Pull reconciles the device with the remote snapshot. Failing to obtain
// either the remote tree or the local inventory is fatal and happens before
// anything is modified. After that, per-file failures are recorded in the
// summary and the pull carries on.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) (*Summary, error) {
	e.printf("Pulling repo: %s\n", e.source.Location())

	gitRoot := paths.Parse(paths.NormalizeAs(opts.GitRoot, true))
	rules, err := ignore.New(e.self, opts.Ignore, opts.IgnoreDotFiles,
		ignore.WithPatterns(opts.Patterns...),
		ignore.WithPatternFile(opts.PatternFile))
	if err != nil {
		return nil, fmt.Errorf("failed to build ignore rules: %w", err)
	}

	e.logger.Info("starting pull",
		zap.String("source", e.source.Location()),
		zap.String("git_root", gitRoot.String()),
		zap.Strings("ignore", rules.Rules()),
		zap.Bool("ignore_dot_files", opts.IgnoreDotFiles),
		zap.Bool("dry_run", e.dryRun))

	if !e.dryRun {
		if err := e.fs.MkdirAll("/", 0o755); err != nil {
			return nil, fmt.Errorf("failed to create device root: %w", err)
		}
	}

	deviceFiles, err := local.List(e.fs, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to scan local files: %w", err)
	}
	e.logger.Debug("scanned local files", zap.Int("count", len(deviceFiles)))

	entries, err := e.source.Tree(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("listed remote files", zap.Int("count", len(entries)))

	present := make(map[string]struct{}, len(deviceFiles))
	for _, p := range deviceFiles {
		present[p] = struct{}{}
	}
	claimed := make(map[string]struct{}, len(deviceFiles))
	summary := newSummary()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("pull interrupted: %w", err)
		}

		rel, ok := paths.Parse(entry.Path).Rel(gitRoot)
		if !ok {
			continue
		}
		localPath := rel.String()

		if rules.Ignored(localPath) {
			summary.add(e.report(Result{Action: Ignored, Path: localPath, GitPath: entry.Path}))
			continue
		}

		_, onDevice := present[localPath]
		summary.add(e.reconcile(ctx, entry, localPath, onDevice, summary))
		if onDevice {
			claimed[localPath] = struct{}{}
		}
	}

	for _, p := range deviceFiles {
		if _, ok := claimed[p]; ok {
			continue
		}
		if rules.Ignored(p) {
			continue
		}
		summary.add(e.remove(p, summary))
	}

	e.logger.Info("pull completed",
		zap.Int("created", summary.Counts[Created]),
		zap.Int("replaced", summary.Counts[Replaced]),
		zap.Int("unchanged", summary.Counts[Unchanged]),
		zap.Int("removed", summary.Counts[Removed]),
		zap.Int("ignored", summary.Counts[Ignored]),
		zap.Int("failed", summary.Counts[Failed]))

	return summary, nil
}

// PullFile downloads a single file from gitPath to localPath. An empty
// gitPath means the same path in the repository.
func (e *Engine) PullFile(ctx context.Context, localPath, gitPath string) error {
	if gitPath == "" {
		gitPath = localPath
	}
	localPath = paths.NormalizeAs(localPath, false)
	gitPath = paths.NormalizeAs(gitPath, false)

	e.logger.Info("pulling file", zap.String("path", localPath), zap.String("git_path", gitPath))
	if err := e.download(ctx, localPath, gitPath, nil); err != nil {
		e.printf("Failed to download: %s\n", localPath)
		e.logger.Warn("failed to download", zap.String("path", localPath), zap.Error(err))
		return err
	}
	return nil
}

// reconcile compares one in-scope remote file with the device and downloads
// it when the content differs or the file is missing.
func (e *Engine) reconcile(ctx context.Context, entry remote.Entry, localPath string, onDevice bool, summary *Summary) Result {
	res := Result{Path: localPath, GitPath: entry.Path}

	var localHash plumbing.Hash
	var hashed bool
	if onDevice {
		localHash, hashed = blobhash.File(e.fs, localPath)
	}

	if hashed && localHash == entry.Hash {
		res.Action = Unchanged
		return e.report(res)
	}

	res.Action = Created
	if hashed {
		res.Action = Replaced
	}

	if err := e.download(ctx, localPath, entry.Path, summary); err != nil {
		e.printf("Failed to download: %s\n", localPath)
		e.logger.Warn("failed to download",
			zap.String("path", localPath),
			zap.String("git_path", entry.Path),
			zap.Error(err))
		res.Action = Failed
		res.Err = err
		return res
	}

	return e.report(res)
}

// download fetches gitPath and writes it to localPath, creating parent
// directories as needed.
func (e *Engine) download(ctx context.Context, localPath, gitPath string, summary *Summary) error {
	if e.dryRun {
		e.mkdirParents(localPath, summary)
		return nil
	}

	data, err := e.source.Fetch(ctx, gitPath)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", gitPath, err)
	}

	e.mkdirParents(localPath, summary)

	if err := e.writeFile(localPath, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// remove deletes a file that no longer exists in the snapshot and prunes the
// directories it leaves empty.
func (e *Engine) remove(localPath string, summary *Summary) Result {
	res := Result{Action: Removed, Path: localPath}

	if e.dryRun {
		if summary != nil {
			summary.planned[localPath] = true
		}
	} else {
		if err := e.fs.Remove(localPath); err != nil {
			e.printf("Failed to remove: %s\n", localPath)
			e.logger.Warn("failed to remove file", zap.String("path", localPath), zap.Error(err))
			res.Action = Failed
			res.Err = err
			return res
		}
	}
	e.report(res)

	e.pruneParents(localPath, summary)
	return res
}

// mkdirParents creates each missing ancestor of path from the top down.
// Directories that already exist are left alone. A dry run only reports them.
func (e *Engine) mkdirParents(path string, summary *Summary) {
	for _, dir := range paths.Parse(path).Ancestors() {
		name := dir.String()
		if _, err := e.fs.Stat(name); err == nil {
			continue
		}
		if e.dryRun {
			if summary != nil {
				if summary.planned[name] {
					continue
				}
				summary.planned[name] = true
			}
		} else if err := e.fs.MkdirAll(name, 0o755); err != nil {
			e.logger.Debug("mkdir failed", zap.String("path", name), zap.Error(err))
			continue
		}
		e.status(Created, name)
		if summary != nil {
			summary.DirsCreated++
		}
	}
}

// pruneParents removes the ancestors of path from the bottom up and stops at
// the first one that cannot be removed, which normally means it is not empty.
func (e *Engine) pruneParents(path string, summary *Summary) {
	ancestors := paths.Parse(path).Ancestors()
	for i := len(ancestors) - 1; i >= 0; i-- {
		name := ancestors[i].String()
		if e.dryRun {
			if !e.wouldBeEmpty(name, summary) {
				return
			}
			summary.planned[name] = true
		} else if err := e.fs.Remove(name); err != nil {
			return
		}
		e.status(Removed, name)
		if summary != nil {
			summary.DirsRemoved++
		}
	}
}

// wouldBeEmpty reports whether everything in dir has been removed by the
// dry run so far.
func (e *Engine) wouldBeEmpty(dir string, summary *Summary) bool {
	if summary == nil {
		return false
	}
	entries, err := e.fs.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		child := paths.NormalizeAs(dir+entry.Name(), entry.IsDir())
		if !summary.planned[child] {
			return false
		}
	}
	return true
}

// writeFile writes data to a temp file next to path and renames it into
// place, so a failed write never leaves a truncated file behind. A replaced
// file keeps its permissions.
func (e *Engine) writeFile(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := e.fs.Stat(path); err == nil && info.Mode().IsRegular() {
		mode = info.Mode().Perm()
	}

	tmp, err := e.createTemp(paths.Parse(path).Parent().String(), mode)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = e.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// The umask may have narrowed the mode at creation.
	if ch, ok := e.fs.(billy.Change); ok {
		if err := ch.Chmod(tmpPath, mode); err != nil {
			return err
		}
	}

	return e.fs.Rename(tmpPath, path)
}

// createTemp creates an exclusive temp file in dir with the given mode.
// util.TempFile always uses 0600, which would leak onto the device.
func (e *Engine) createTemp(dir string, mode os.FileMode) (billy.File, error) {
	for i := 0; ; i++ {
		name := e.fs.Join(dir, fmt.Sprintf(".ugit-tmp-%d-%d", os.Getpid(), i))
		f, err := e.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, mode)
		if errors.Is(err, os.ErrExist) && i < 100 {
			continue
		}
		return f, err
	}
}

func (e *Engine) report(res Result) Result {
	e.status(res.Action, res.Path)
	return res
}

func (e *Engine) status(action Action, path string) {
	e.printf("%-9s %s\n", action, path)
}

func (e *Engine) printf(format string, v ...interface{}) {
	if e.out == nil {
		return
	}
	_, _ = fmt.Fprintf(e.out, logPrefix+format, v...)
}
