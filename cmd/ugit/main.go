package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/schaermu/ugit/internal/config"
	"github.com/schaermu/ugit/internal/logging"
	"github.com/schaermu/ugit/internal/remote"
	"github.com/schaermu/ugit/internal/sync"
	"github.com/schaermu/ugit/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	logger = zap.NewNop()
)

func main() {
	err := newRootCmd().Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree and binds its flags to the global viper
// instance. Flags can also be set as UGIT_<FLAG> environment variables.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ugit",
		Short: "Mirror a GitHub repository onto a device",
		Long: `ugit makes a local directory an exact mirror of a directory in a GitHub
repository. Files are compared by their git blob hash, so only files whose
content changed are downloaded. Files that are no longer in the repository
are deleted, except for the ones matched by the ignore rules.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.NewLogger()
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Mirror the configured repository onto the local root",
		Long: `Pull lists the remote tree, downloads every file whose content differs from
the local copy and removes local files that are not in the repository.

Ignored paths, dotfiles (unless --keep-dot-files is set) and the ugit binary
itself are never touched.`,
		Args: cobra.NoArgs,
		RunE: runPull,
	}

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Download a single file from the repository",
		Long: `Update fetches one file and writes it to --path below the local root. It is
typically used to update ugit itself. --git-path defaults to --path.`,
		Args: cobra.NoArgs,
		RunE: runUpdate,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the repository coordinates to the config file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and pull on every push",
		Long: `Serve performs an initial pull and then listens for GitHub webhook events.
Every accepted push triggers another pull. Pulls never overlap.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "ugit %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}

	persistent := rootCmd.PersistentFlags()
	persistent.String("config", "", "config file (default is <local-root>/.github.json, then $XDG_CONFIG_HOME/ugit/github.json)")
	persistent.String("local-root", ".", "local directory that mirrors the repository")
	persistent.String("user", "", "GitHub user or organization (overrides the config file)")
	persistent.String("repo", "", "GitHub repository (overrides the config file)")
	persistent.String("ref", "", "branch, tag or commit (overrides the config file)")
	persistent.String("token", "", "GitHub token (overrides the config file)")
	persistent.String("log-level", "info", "log level (debug, info, warn, error)")
	persistent.String("log-format", "json", "log format (json, console)")

	pullFlags := pullCmd.Flags()
	pullFlags.String("root", "", "repository directory mapped onto the local root")
	pullFlags.StringSlice("ignore", nil, "local path to leave untouched, directories end with / (repeatable)")
	pullFlags.String("ignore-file", "", "gitignore-style file with additional ignore patterns")
	pullFlags.Bool("keep-dot-files", false, "also mirror paths containing a segment starting with .")
	pullFlags.Bool("dry-run", false, "show what would be done without making changes")
	pullFlags.String("self", "", "path of the ugit binary below the local root (default: detected)")

	updateFlags := updateCmd.Flags()
	updateFlags.String("path", "", "local path to write, relative to the local root")
	updateFlags.String("git-path", "", "repository path to fetch (default: --path)")
	_ = updateCmd.MarkFlagRequired("path")

	serveCmd.Flags().String("listen-addr", "", "address to listen on (overrides serve.listen_addr)")

	viper.SetEnvPrefix("UGIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindFlags(persistent, "config", "local-root", "user", "repo", "ref", "token", "log-level", "log-format")
	bindFlags(pullFlags, "root", "ignore", "ignore-file", "keep-dot-files", "dry-run", "self")
	bindFlags(updateFlags, "path", "git-path")
	bindFlags(serveCmd.Flags(), "listen-addr")

	rootCmd.AddCommand(pullCmd, updateCmd, initCmd, serveCmd, versionCmd)
	return rootCmd
}

func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	localRoot := viper.GetString("local-root")
	cfg, cfgPath, err := loadConfig(localRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyPullFlags(cfg)

	engine, err := newEngine(cfg, localRoot, cmd.OutOrStdout(), viper.GetBool("dry-run"))
	if err != nil {
		return err
	}

	summary, err := engine.Pull(ctx, pullOptions(cfg, localRoot, cfgPath))
	if err != nil {
		logger.Error("pull failed", zap.Error(err))
		return err
	}

	return failedFiles(summary)
}

// servePuller runs a full pull per webhook trigger. Failed files make the
// run an error so the server logs it as failed.
func servePuller(engine *sync.Engine, opts sync.PullOptions) webhook.PullFunc {
	return func(ctx context.Context) error {
		summary, err := engine.Pull(ctx, opts)
		if err != nil {
			return err
		}
		return failedFiles(summary)
	}
}

// failedFiles turns per-file failures of a finished pull into an error.
func failedFiles(summary *sync.Summary) error {
	if n := len(summary.Failures); n > 0 {
		return fmt.Errorf("pull finished with %d failed file(s)", n)
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	localRoot := viper.GetString("local-root")
	cfg, _, err := loadConfig(localRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, localRoot, cmd.OutOrStdout(), false)
	if err != nil {
		return err
	}

	return engine.PullFile(ctx, viper.GetString("path"), viper.GetString("git-path"))
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.New()
	if err := cfg.Override(viper.GetString("user"), viper.GetString("repo"), viper.GetString("ref"), viper.GetString("token")); err != nil {
		return fmt.Errorf("--user, --repo and --ref are required: %w", err)
	}

	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(viper.GetString("local-root"), config.FileName)
	}

	if err := config.Save(path, cfg.User, cfg.Repo, cfg.Ref, cfg.Token); err != nil {
		return err
	}

	logger.Info("configuration saved", zap.String("path", path))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ugit: Saved config: %s\n", path)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	localRoot := viper.GetString("local-root")
	cfg, cfgPath, err := loadConfig(localRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr := viper.GetString("listen-addr"); addr != "" {
		cfg.Serve.ListenAddr = addr
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := newEngine(cfg, localRoot, cmd.OutOrStdout(), false)
	if err != nil {
		return err
	}
	opts := pullOptions(cfg, localRoot, cfgPath)

	server, err := webhook.NewServer(cfg.Serve, servePuller(engine, opts), logger)
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

// loadConfig finds and loads the config file and applies the repository
// flags on top of it. Without a config file the flags alone must name the
// repository.
func loadConfig(localRoot string) (*config.Config, string, error) {
	path := viper.GetString("config")
	if path == "" {
		found, err := config.Locate(localRoot)
		switch {
		case err == nil:
			path = found
		case errors.Is(err, config.ErrNotFound):
			logger.Debug("no config file found, using flags only", zap.Error(err))
		default:
			return nil, "", err
		}
	}

	cfg := config.New()
	if path != "" {
		logger.Info("loading configuration", zap.String("path", path))
		loaded, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	}

	if err := cfg.Override(viper.GetString("user"), viper.GetString("repo"), viper.GetString("ref"), viper.GetString("token")); err != nil {
		return nil, "", err
	}

	logger.Debug("configuration loaded",
		zap.String("user", cfg.User),
		zap.String("repo", cfg.Repo),
		zap.String("ref", cfg.Ref),
		zap.String("source", string(cfg.Source)),
		zap.String("auth", cfg.AuthMethod()),
		zap.String("local_root", localRoot))

	return cfg, path, nil
}

func applyPullFlags(cfg *config.Config) {
	if root := viper.GetString("root"); root != "" {
		cfg.Sync.Root = root
	}
	cfg.Sync.Ignore = append(cfg.Sync.Ignore, viper.GetStringSlice("ignore")...)
	if file := viper.GetString("ignore-file"); file != "" {
		cfg.Sync.IgnoreFile = file
	}
	if viper.GetBool("keep-dot-files") {
		off := false
		cfg.Sync.IgnoreDotFiles = &off
	}
}

func newSource(cfg *config.Config) (remote.Source, error) {
	token, err := cfg.ResolveToken()
	if err != nil {
		return nil, err
	}

	switch cfg.Source {
	case config.SourceClone:
		return remote.NewClone(cfg.CloneURL, cfg.Ref, token, logger), nil
	default:
		return remote.NewGitHub(cfg.Endpoint(token), remote.WithLogger(logger)), nil
	}
}

func newEngine(cfg *config.Config, localRoot string, out io.Writer, dryRun bool) (*sync.Engine, error) {
	source, err := newSource(cfg)
	if err != nil {
		return nil, err
	}

	self := viper.GetString("self")
	if self == "" {
		if exe, err := os.Executable(); err == nil {
			self = devicePath(localRoot, exe)
		}
	}

	return sync.NewEngine(osfs.New(localRoot), source, logger,
		sync.WithOutput(out),
		sync.WithSelf(self),
		sync.WithDryRun(dryRun)), nil
}

// pullOptions builds the pull scope from cfg. Host files ugit itself reads
// are protected when they live under localRoot, so a pull never deletes them.
func pullOptions(cfg *config.Config, localRoot, cfgPath string) sync.PullOptions {
	ignore := append([]string{}, cfg.Sync.Ignore...)
	for _, hostPath := range []string{
		cfgPath,
		cfg.TokenFile,
		cfg.Sync.IgnoreFile,
		cfg.Serve.GitHubWebhookSecretFile,
	} {
		if p := devicePath(localRoot, hostPath); p != "" {
			ignore = append(ignore, p)
		}
	}

	return sync.PullOptions{
		GitRoot:        cfg.Sync.Root,
		Ignore:         ignore,
		IgnoreDotFiles: cfg.IgnoreDotFiles(),
		PatternFile:    cfg.Sync.IgnoreFile,
	}
}

// devicePath maps a host path onto the device tree rooted at localRoot. It
// returns "" for paths outside of localRoot.
func devicePath(localRoot, path string) string {
	if path == "" {
		return ""
	}
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	if a, err := filepath.EvalSymlinks(abs); err == nil {
		abs = a
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logger.Info("received signal, stopping")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
